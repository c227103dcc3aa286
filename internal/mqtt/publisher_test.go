package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hubpilot/internal/config"
	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeSender) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeSender) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.Topic)
	}
	return out
}

type fixedSessions int

func (n fixedSessions) ActiveSessions() int { return int(n) }

func newTestPublisher(bus *events.Bus) *Publisher {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "hubpilot/"}
	return New(cfg, "0190a6f2-0000-7000-8000-00000000abcd", bus, fixedSessions(2), testLogger())
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := newTestPublisher(nil)
	tests := []struct{ got, want string }{
		{p.availabilityTopic(), "hubpilot/availability"},
		{p.statusTopic(), "hubpilot/status"},
		{p.sessionTopic("s1", "turns"), "hubpilot/sessions/s1/turns"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublisher_ClientID(t *testing.T) {
	p := newTestPublisher(nil)
	if p.clientID != "hubpilot-0000abcd" {
		t.Errorf("clientID = %q", p.clientID)
	}
	cfg := config.MQTTConfig{Broker: "mqtt://x", ClientID: "custom"}
	if got := New(cfg, "id", nil, nil, nil).clientID; got != "custom" {
		t.Errorf("configured clientID = %q", got)
	}
}

func TestPublisher_Message(t *testing.T) {
	p := newTestPublisher(nil)
	l := conversation.NewLog("s1")
	turn, _ := l.Append(conversation.UserTurn("Audit my workflows"))

	tests := []struct {
		name      string
		event     events.Event
		wantTopic string
		wantBody  string
	}{
		{
			name:      "turn",
			event:     events.NewEvent(events.SourceSession, events.KindTurnAppended, "s1", map[string]any{"turn": turn}),
			wantTopic: "hubpilot/sessions/s1/turns",
			wantBody:  `"text":"Audit my workflows"`,
		},
		{
			name:      "failure",
			event:     events.NewEvent(events.SourceAgent, events.KindRequestFailed, "s1", map[string]any{"failure": "quota_exhausted"}),
			wantTopic: "hubpilot/sessions/s1/errors",
			wantBody:  `"failure":"quota_exhausted"`,
		},
		{
			name:      "closed",
			event:     events.NewEvent(events.SourceSession, events.KindSessionClosed, "s1", nil),
			wantTopic: "hubpilot/sessions/s1/status",
			wantBody:  `"status":"closed"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := p.message(tt.event)
			if !ok {
				t.Fatal("event not mirrored")
			}
			if msg.Topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", msg.Topic, tt.wantTopic)
			}
			if !strings.Contains(string(msg.Payload), tt.wantBody) {
				t.Errorf("payload %s lacks %s", msg.Payload, tt.wantBody)
			}
			if msg.QoS != 1 || msg.Retain {
				t.Errorf("QoS/Retain = %d/%v", msg.QoS, msg.Retain)
			}
		})
	}
}

func TestPublisher_MessageIgnored(t *testing.T) {
	p := newTestPublisher(nil)
	for _, e := range []events.Event{
		events.NewEvent(events.SourceAgent, events.KindToolCall, "s1", nil),
		events.NewEvent(events.SourceSession, events.KindTurnAppended, "", nil),
	} {
		if _, ok := p.message(e); ok {
			t.Errorf("event %s/%q mirrored", e.Kind, e.SessionID)
		}
	}
}

func TestPublisher_HandleCountsTokens(t *testing.T) {
	p := newTestPublisher(nil)
	out := &fakeSender{}
	p.handle(context.Background(), out, events.NewEvent(events.SourceGeneration, events.KindGenerationDone, "s1",
		map[string]any{"tokens_in": 120, "tokens_out": 30, "ok": true}))
	p.handle(context.Background(), out, events.NewEvent(events.SourceGeneration, events.KindGenerationDone, "s1",
		map[string]any{"tokens_in": 10, "tokens_out": 0, "ok": false}))

	got := p.Tokens().Snapshot()
	if got.Input != 130 || got.Output != 30 || got.Requests != 2 || got.Failures != 1 {
		t.Errorf("tokens = %+v", got)
	}
	if len(out.topics()) != 0 {
		t.Errorf("generation events published: %v", out.topics())
	}
}

func TestPublisher_HandlePublishError(t *testing.T) {
	p := newTestPublisher(nil)
	out := &fakeSender{err: errors.New("not connected")}
	// Must not panic or block.
	p.handle(context.Background(), out, events.NewEvent(events.SourceSession, events.KindSessionClosed, "s1", nil))
}

func TestPublisher_Forward(t *testing.T) {
	bus := events.New()
	p := newTestPublisher(bus)
	out := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.forward(ctx, out)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.NewEvent(events.SourceSession, events.KindSessionClosed, "s9", nil))

	for len(out.topics()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	topics := out.topics()
	if len(topics) < 2 || topics[0] != "hubpilot/status" || topics[1] != "hubpilot/sessions/s9/status" {
		t.Errorf("topics = %v", topics)
	}

	var st Status
	if err := json.Unmarshal(out.msgs[0].Payload, &st); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if st.ActiveSessions != 2 || st.Version == "" {
		t.Errorf("status = %+v", st)
	}
	if !out.msgs[0].Retain {
		t.Error("status not retained")
	}
	if bus.SubscriberCount() != 0 {
		t.Error("forward did not unsubscribe")
	}
}

func TestAwaitConnection_NotStarted(t *testing.T) {
	p := newTestPublisher(nil)
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second call = %q, %v; want %q", second, err, first)
	}
}

package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hubpilot/internal/buildinfo"
	"github.com/nugget/hubpilot/internal/config"
	"github.com/nugget/hubpilot/internal/events"
)

// DefaultStatusInterval is how often the retained status summary is
// refreshed.
const DefaultStatusInterval = time.Minute

// SessionCounter reports how many sessions have a turn in flight.
// *session.Manager implements it.
type SessionCounter interface {
	ActiveSessions() int
}

// sender is the publish side of the connection manager.
type sender interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	tokens   *DailyTokens
	sessions SessionCounter
	logger   *slog.Logger
	interval time.Duration
	started  time.Time
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop. sessions may be nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, sessions SessionCounter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ClientID(instanceID)
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		tokens:   NewDailyTokens(nil),
		sessions: sessions,
		logger:   logger.With("component", "mqtt"),
		interval: DefaultStatusInterval,
		started:  time.Now(),
	}
}

// Tokens exposes today's generation totals.
func (p *Publisher) Tokens() *DailyTokens {
	return p.tokens
}

// Start connects to the MQTT broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes an "online"
// availability message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, cm)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) sessionTopic(sessionID, leaf string) string {
	return p.baseTopic() + "/sessions/" + sessionID + "/" + leaf
}

// --- Forwarding ---

// forward drains the bus until ctx ends, publishing the status summary
// on every tick.
func (p *Publisher) forward(ctx context.Context, out sender) {
	ch := p.bus.Subscribe(256)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishStatus(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, out, e)
		case <-ticker.C:
			p.publishStatus(ctx, out)
		}
	}
}

// handle publishes the broker message for e, if any, and feeds the
// token counters.
func (p *Publisher) handle(ctx context.Context, out sender, e events.Event) {
	if e.Kind == events.KindGenerationDone {
		in, _ := e.Data["tokens_in"].(int)
		outTok, _ := e.Data["tokens_out"].(int)
		ok, _ := e.Data["ok"].(bool)
		p.tokens.Add(in, outTok, ok)
		return
	}

	msg, ok := p.message(e)
	if !ok {
		return
	}
	if _, err := out.Publish(ctx, msg); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", msg.Topic, "kind", e.Kind, "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", msg.Topic, "bytes", len(msg.Payload))
}

// message maps a bus event to a broker message. Events that are not
// mirrored return false.
func (p *Publisher) message(e events.Event) (*paho.Publish, bool) {
	if e.SessionID == "" {
		return nil, false
	}

	var (
		leaf string
		body any
	)
	switch e.Kind {
	case events.KindTurnAppended:
		leaf, body = "turns", e.Data["turn"]
	case events.KindRequestFailed:
		leaf, body = "errors", e.Data
	case events.KindSessionClosed:
		leaf, body = "status", map[string]any{"status": "closed", "ts": e.Timestamp}
	default:
		return nil, false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "kind", e.Kind, "error", err)
		return nil, false
	}
	return &paho.Publish{
		Topic:   p.sessionTopic(e.SessionID, leaf),
		Payload: payload,
		QoS:     1,
	}, true
}

// Status is the retained summary published on <prefix>/status.
type Status struct {
	Version        string        `json:"version"`
	Uptime         string        `json:"uptime"`
	ActiveSessions int           `json:"active_sessions"`
	Today          TokenSnapshot `json:"today"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (p *Publisher) status() Status {
	st := Status{
		Version:   buildinfo.Version,
		Uptime:    time.Since(p.started).Truncate(time.Second).String(),
		Today:     p.tokens.Snapshot(),
		UpdatedAt: time.Now().UTC(),
	}
	if p.sessions != nil {
		st.ActiveSessions = p.sessions.ActiveSessions()
	}
	return st
}

func (p *Publisher) publishStatus(ctx context.Context, out sender) {
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := out.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, out sender, status string) {
	if _, err := out.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

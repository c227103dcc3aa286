// Package events provides a publish/subscribe event bus for co-pilot
// activity. Components (generation client, agent loop, session
// manager) publish; observers (the WebSocket stream, the MQTT
// publisher) subscribe either to everything or to one session. The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGeneration identifies events from the generation client.
	SourceGeneration = "generation"
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session manager.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindGenerationRetry signals a quota-limited call that will be
	// retried. Data: attempt, delay_ms, error.
	KindGenerationRetry = "generation_retry"
	// KindGenerationDone signals the end of a generation, successful or
	// not. Data: mode, attempts, ok, failure, tokens_in, tokens_out.
	KindGenerationDone = "generation_done"

	// KindRequestStart signals the agent loop picked up a message.
	// Data: request_id, mode.
	KindRequestStart = "request_start"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, summary, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the agent loop reached Done.
	// Data: request_id, rounds, turns, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestFailed signals a fatal failure for the whole turn.
	// Data: request_id, failure, reason.
	KindRequestFailed = "request_failed"

	// KindTurnAppended signals a new turn in a conversation log.
	// Data: turn (the conversation.Turn value).
	KindTurnAppended = "turn_appended"
	// KindSessionClosed signals a session was closed.
	KindSessionClosed = "session_closed"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// SessionID scopes the event to a conversation, when applicable.
	SessionID string `json:"session_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(source, kind, sessionID string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		SessionID: sessionID,
		Data:      data,
	}
}

type subscription struct {
	ch      chan Event
	session string // empty matches every session
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]subscription)}
}

// Publish sends an event to all matching subscribers. If a
// subscriber's channel is full the event is dropped for that
// subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.session != "" && s.session != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.subscribe(bufSize, "")
}

// SubscribeSession returns a channel that receives only events for
// sessionID.
func (b *Bus) SubscribeSession(sessionID string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, sessionID)
}

func (b *Bus) subscribe(bufSize int, session string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, session: session}
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("conversation closed")

// Log is the ordered, append-only transcript of one session. Turns are
// never modified or removed once appended. All methods are safe for
// concurrent use.
type Log struct {
	sessionID string

	mu        sync.RWMutex
	turns     []Turn
	closed    bool
	observers []func(Turn)

	now func() time.Time
}

// NewLog creates an empty log for a session.
func NewLog(sessionID string) *Log {
	return &Log{sessionID: sessionID, now: time.Now}
}

// Restore creates a log pre-populated with previously persisted turns,
// which must already be in sequence order.
func Restore(sessionID string, turns []Turn) *Log {
	l := NewLog(sessionID)
	l.turns = make([]Turn, len(turns))
	for i, t := range turns {
		l.turns[i] = t.Clone()
	}
	return l
}

// SessionID returns the owning session.
func (l *Log) SessionID() string {
	return l.sessionID
}

// OnAppend registers fn to be called with every newly appended turn,
// in append order, on the appending goroutine.
func (l *Log) OnAppend(fn func(Turn)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Append adds t to the end of the log, assigning its ID, sequence
// number and creation time. The stored turn is returned.
func (l *Log) Append(t Turn) (Turn, error) {
	if err := t.validate(); err != nil {
		return Turn{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Turn{}, fmt.Errorf("generate turn ID: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Turn{}, ErrClosed
	}
	t = t.Clone()
	t.ID = id.String()
	t.SessionID = l.sessionID
	t.Seq = len(l.turns) + 1
	t.CreatedAt = l.now()
	if n := len(l.turns); n > 0 && t.CreatedAt.Before(l.turns[n-1].CreatedAt) {
		t.CreatedAt = l.turns[n-1].CreatedAt
	}
	l.turns = append(l.turns, t)
	observers := append(([]func(Turn))(nil), l.observers...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(t.Clone())
	}
	return t.Clone(), nil
}

// Turns returns a copy of every turn in order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = t.Clone()
	}
	return out
}

// Since returns the turns with Seq greater than seq.
func (l *Log) Since(seq int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.turns) {
		return nil
	}
	out := make([]Turn, 0, len(l.turns)-seq)
	for _, t := range l.turns[seq:] {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Close seals the log. Further appends fail with ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Closed reports whether the log has been sealed.
func (l *Log) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

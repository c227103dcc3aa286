// Package session is the entry point for user messages. It owns one
// conversation log per session, admits at most one in-flight turn per
// session, and runs the agent loop in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/hubpilot/internal/agent"
	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
	"github.com/nugget/hubpilot/internal/schema"
)

// Errors returned by Manager.
var (
	ErrBusy         = errors.New("a request is already in progress for this session")
	ErrEmptyMessage = errors.New("message text is empty")
	ErrClosed       = errors.New("session closed")
	ErrNotFound     = errors.New("session not found")
	ErrInvalidID    = errors.New("invalid session ID")
	ErrShuttingDown = errors.New("session manager shutting down")
	ErrInvalidMode  = errors.New("invalid mode")
)

// Runner runs one turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Store persists turns. *conversation.Store implements it.
type Store interface {
	SaveTurn(ctx context.Context, t conversation.Turn) error
	LoadTurns(ctx context.Context, sessionID string) ([]conversation.Turn, error)
}

// Submission is a user message with its routing options.
type Submission struct {
	SessionID  string
	Text       string
	Mode       schema.Mode // empty selects the manager's default
	ContextTag string
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID     string      `json:"session_id"`
	Busy          bool        `json:"busy"`
	State         agent.State `json:"state"`
	Turns         int         `json:"turns"`
	LastRequestID string      `json:"last_request_id,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	// LastErrorMessage is the short heading for LastError.
	LastErrorMessage string `json:"last_error_message,omitempty"`
	Closed           bool   `json:"closed"`
}

// Manager tracks sessions.
type Manager struct {
	runner      Runner
	store       Store
	bus         *events.Bus
	logger      *slog.Logger
	defaultMode schema.Mode

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	shutdown bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists every appended turn and restores logs on first
// access.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithEventBus publishes turn and session events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDefaultMode sets the mode used when a submission names none.
func WithDefaultMode(mode schema.Mode) Option {
	return func(m *Manager) { m.defaultMode = mode }
}

// NewManager creates a session manager around runner.
func NewManager(runner Runner, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		runner:      runner,
		logger:      logger.With("component", "session"),
		defaultMode: schema.ModeChat,
		baseCtx:     ctx,
		stop:        stop,
		sessions:    make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewID returns a fresh session ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SubmitUserMessage appends text as a user turn in the default mode and
// starts answering it in the background.
func (m *Manager) SubmitUserMessage(sessionID, text string) error {
	_, err := m.Submit(Submission{SessionID: sessionID, Text: text})
	return err
}

// Submit appends the user turn and starts the agent loop in the
// background, returning the request ID. It fails with ErrBusy while a
// previous turn of the same session is still running; nothing is
// appended in that case.
func (m *Manager) Submit(sub Submission) (string, error) {
	if strings.TrimSpace(sub.Text) == "" {
		return "", ErrEmptyMessage
	}
	mode := sub.Mode
	if mode == "" {
		mode = m.defaultMode
	}
	mode, err := schema.ParseMode(string(mode))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}

	s, err := m.session(sub.SessionID, true)
	if err != nil {
		return "", err
	}
	requestID := NewID()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return "", ErrClosed
	case s.busy:
		s.mu.Unlock()
		return "", ErrBusy
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if _, err := s.log.Append(conversation.UserTurn(sub.Text)); err != nil {
		m.wg.Done()
		s.mu.Unlock()
		if errors.Is(err, conversation.ErrClosed) {
			return "", ErrClosed
		}
		return "", fmt.Errorf("append user turn: %w", err)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	s.busy = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastRequestID = requestID
	s.lastErr = nil
	s.mu.Unlock()

	m.logger.Info("user message accepted",
		"session", s.id,
		"request_id", requestID,
		"mode", mode,
		"chars", len(sub.Text),
	)

	go m.run(ctx, s, agent.Request{
		SessionID:  s.id,
		RequestID:  requestID,
		Mode:       mode,
		ContextTag: sub.ContextTag,
		Transcript: s.log,
		OnState:    s.setState,
	})
	return requestID, nil
}

func (m *Manager) run(ctx context.Context, s *session, req agent.Request) {
	defer m.wg.Done()

	_, err := m.runner.Run(ctx, req)
	if err != nil {
		var te *agent.TurnError
		switch {
		case errors.As(err, &te):
			m.logger.Warn("turn failed", "session", s.id, "request_id", req.RequestID, "error", err)
		case errors.Is(err, context.Canceled):
			m.logger.Info("turn canceled", "session", s.id, "request_id", req.RequestID)
		default:
			m.logger.Error("turn error", "session", s.id, "request_id", req.RequestID, "error", err)
		}
	}

	s.mu.Lock()
	s.busy = false
	s.lastErr = err
	s.cancel()
	s.cancel = nil
	close(s.done)
	s.mu.Unlock()
}

// Wait blocks until the session's current turn finishes and returns
// that turn's error. It returns immediately when nothing is running.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	s, err := m.session(sessionID, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Turns returns a copy of the session's transcript.
func (m *Manager) Turns(sessionID string) ([]conversation.Turn, error) {
	s, err := m.session(sessionID, false)
	if err != nil {
		return nil, err
	}
	return s.log.Turns(), nil
}

// Log returns the live conversation log of a session.
func (m *Manager) Log(sessionID string) (*conversation.Log, error) {
	s, err := m.session(sessionID, false)
	if err != nil {
		return nil, err
	}
	return s.log, nil
}

// Status reports the session's state.
func (m *Manager) Status(sessionID string) (Status, error) {
	s, err := m.session(sessionID, false)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:     s.id,
		Busy:          s.busy,
		State:         s.state,
		Turns:         s.log.Len(),
		LastRequestID: s.lastRequestID,
		Closed:        s.closed,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorMessage = UserMessage(s.lastErr)
	}
	return st, nil
}

// Close cancels any in-flight turn and seals the session's log. No
// turn is appended to a closed session.
func (m *Manager) Close(sessionID string) error {
	s, err := m.session(sessionID, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.log.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	m.logger.Info("session closed", "session", s.id)
	m.bus.Publish(events.NewEvent(events.SourceSession, events.KindSessionClosed, s.id, nil))
	return nil
}

// Shutdown cancels every in-flight turn and waits for them to return,
// or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the IDs of sessions held in memory.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ActiveSessions counts the sessions with a turn in flight.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	held := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		held = append(held, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range held {
		s.mu.Lock()
		if s.busy {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// session returns the session with id, restoring it from the store
// when needed. With create set, an unknown ID starts a new session.
func (m *Manager) session(id string, create bool) (*session, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	var restored []conversation.Turn
	if m.store != nil {
		turns, err := m.store.LoadTurns(m.baseCtx, id)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", id, err)
		}
		restored = turns
	}
	if len(restored) == 0 && !create {
		return nil, ErrNotFound
	}

	s := &session{id: id, log: conversation.Restore(id, restored), state: agent.StateIdle}
	s.log.OnAppend(m.persist)
	m.sessions[id] = s
	if len(restored) > 0 {
		m.logger.Debug("session restored", "session", id, "turns", len(restored))
	}
	return s, nil
}

// persist saves and publishes a newly appended turn.
func (m *Manager) persist(t conversation.Turn) {
	if m.store != nil {
		if err := m.store.SaveTurn(context.WithoutCancel(m.baseCtx), t); err != nil {
			m.logger.Error("persist turn failed", "session", t.SessionID, "seq", t.Seq, "error", err)
		}
	}
	m.bus.Publish(events.NewEvent(events.SourceSession, events.KindTurnAppended, t.SessionID, map[string]any{
		"turn": t,
	}))
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// UserMessage returns the short heading shown for a failed turn.
func UserMessage(err error) string {
	var te *agent.TurnError
	if errors.As(err, &te) {
		return te.UserMessage()
	}
	if errors.Is(err, context.Canceled) {
		return "Request cancelled"
	}
	return "AI Generation Failed"
}

// session is the per-conversation state.
type session struct {
	id  string
	log *conversation.Log

	mu            sync.Mutex
	busy          bool
	closed        bool
	state         agent.State
	cancel        context.CancelFunc
	done          chan struct{}
	lastRequestID string
	lastErr       error
}

func (s *session) setState(st agent.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

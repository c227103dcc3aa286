// Package api implements the HTTP API used by the dashboard.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/hubpilot/internal/buildinfo"
	"github.com/nugget/hubpilot/internal/connwatch"
	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
	"github.com/nugget/hubpilot/internal/schema"
	"github.com/nugget/hubpilot/internal/session"
	"github.com/nugget/hubpilot/internal/tools"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// SessionLister lists persisted sessions. *conversation.Store
// implements it.
type SessionLister interface {
	Sessions(ctx context.Context) ([]conversation.SessionInfo, error)
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *session.Manager
	tools    *tools.Registry
	usage    tools.UsageQuerier
	history  SessionLister
	health   *connwatch.Manager
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(address string, port int, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		logger:   logger.With("component", "api"),
		stop:     make(chan struct{}),
	}
}

// SetTools configures the registry listed at /v1/tools.
func (s *Server) SetTools(r *tools.Registry) { s.tools = r }

// SetUsageStore configures the store behind /v1/usage.
func (s *Server) SetUsageStore(u tools.UsageQuerier) { s.usage = u }

// SetSessionLister configures the store behind GET /v1/sessions.
func (s *Server) SetSessionLister(l SessionLister) { s.history = l }

// SetHealth configures the dependency watchers reported at /health.
func (s *Server) SetHealth(m *connwatch.Manager) { s.health = m }

// SetEventBus configures the bus behind the session stream.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSubmit)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionClose)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long enough for ?wait=true
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and ends open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack exposes the underlying connection for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// sessionError maps a session.Manager error to a response.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, session.ErrInvalidMode):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		code = http.StatusGone
	case errors.Is(err, session.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("session request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "HubPilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := connwatch.Health{Status: connwatch.HealthOK, Services: []connwatch.ServiceStatus{}}
	if s.health != nil {
		health = s.health.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	if health.Status == connwatch.HealthUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, health, s.logger)
}

// SubmitRequest is the body of POST /v1/sessions/{id}/messages.
type SubmitRequest struct {
	Text       string `json:"text"`
	Mode       string `json:"mode,omitempty"`
	ContextTag string `json:"context_tag,omitempty"`
}

// SubmitResponse acknowledges an accepted message. With ?wait=true it
// also carries the turns the request produced.
type SubmitResponse struct {
	SessionID string              `json:"session_id"`
	RequestID string              `json:"request_id"`
	Turns     []conversation.Turn `json:"turns,omitempty"`
	Error     *TurnFailure        `json:"error,omitempty"`
}

// TurnFailure describes why a waited-on request produced no reply.
type TurnFailure struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	requestID, err := s.sessions.Submit(session.Submission{
		SessionID:  id,
		Text:       req.Text,
		Mode:       schema.Mode(req.Mode),
		ContextTag: req.ContextTag,
	})
	if err != nil {
		s.sessionError(w, err)
		return
	}
	resp := SubmitResponse{SessionID: id, RequestID: requestID}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, resp, s.logger)
		return
	}

	runErr := s.sessions.Wait(r.Context(), id)
	if r.Context().Err() != nil {
		return
	}
	turns, err := s.sessions.Turns(id)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	resp.Turns = sinceLastUserTurn(turns)
	if runErr != nil {
		resp.Error = &TurnFailure{Message: session.UserMessage(runErr), Detail: runErr.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// sinceLastUserTurn returns the latest user turn and everything after
// it. A session runs one request at a time, so that is the exchange
// the most recent request produced.
func sinceLastUserTurn(turns []conversation.Turn) []conversation.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == conversation.KindUser {
			return turns[i:]
		}
	}
	return turns
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.history == nil {
		ids := s.sessions.Sessions()
		writeJSON(w, map[string]any{"sessions": ids, "count": len(ids)}, s.logger)
		return
	}
	list, err := s.history.Sessions(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}
	writeJSON(w, map[string]any{"sessions": list, "count": len(list)}, s.logger)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log, err := s.sessions.Log(id)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	turns := log.Since(parseIntParam(r, "since", 0))
	if turns == nil {
		turns = []conversation.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"turns":      turns,
		"count":      len(turns),
	}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := s.sessions.Turns(id)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(conversation.Markdown(turns)))
		return
	}

	page, err := conversation.RenderHTML("Co-Pilot session "+id, turns)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "render transcript: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	decls := []schema.ToolDeclaration{}
	if s.tools != nil {
		decls = s.tools.Declarations()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": decls, "count": len(decls)}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	report, err := tools.BuildUsageReport(s.usage, period, r.URL.Query().Get("group_by"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// Package tools dispatches model-issued tool calls to registered
// handlers. Dispatch never fails: unknown tools, bad arguments, handler
// errors and handler panics all become error Results, so one bad call
// cannot abort the agent loop.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hubpilot/internal/schema"
)

// Handler executes a tool. The payload is whatever the tool fetched;
// it is surfaced to the user and, in multi-round mode, to the model.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a declaration with its handler. Keeping them together is
// what keeps the advertised catalog and the dispatch table in sync.
type Tool struct {
	Declaration schema.ToolDeclaration
	Handler     Handler
}

// Call is one tool invocation requested by the model.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Status is the outcome of a tool call.
type Status string

// Tool call statuses.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// SummaryUnknownTool is the summary of a call to an undeclared tool.
const SummaryUnknownTool = "Unknown tool"

// Result is the outcome of executing one Call.
type Result struct {
	ToolName   string `json:"tool_name"`
	Status     Status `json:"status"`
	Summary    string `json:"summary"`
	Payload    any    `json:"payload,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Summarizer lets a payload describe itself in one line.
type Summarizer interface {
	Summary() string
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	name := t.Declaration.Name
	switch {
	case strings.TrimSpace(name) == "":
		return ErrToolNameEmpty
	case t.Handler == nil:
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Declarations returns every registered declaration in registration
// order.
func (r *Registry) Declarations() []schema.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Declaration)
	}
	return out
}

// Check reports declared tools that have no handler.
func (r *Registry) Check(declared []schema.ToolDeclaration) error {
	if err := schema.CheckDeclarations(declared); err != nil {
		return err
	}
	var errs []error
	for _, d := range declared {
		if _, ok := r.Get(d.Name); !ok {
			errs = append(errs, &ErrToolUnavailable{ToolName: d.Name})
		}
	}
	return errors.Join(errs...)
}

// Execute runs call against the registry. A nil declared set means
// every registered tool is declared. Execute never returns an error and
// never panics.
func (r *Registry) Execute(ctx context.Context, call Call, declared []schema.ToolDeclaration) Result {
	start := time.Now()
	res := r.execute(ctx, call, declared)
	res.DurationMS = time.Since(start).Milliseconds()

	r.logger.Debug("tool executed",
		"tool", call.Name,
		"status", res.Status,
		"summary", res.Summary,
		"duration_ms", res.DurationMS,
	)
	return res
}

func (r *Registry) execute(ctx context.Context, call Call, declared []schema.ToolDeclaration) Result {
	if declared == nil {
		declared = r.Declarations()
	}
	decl, isDeclared := schema.Find(declared, call.Name)
	t, isRegistered := r.Get(call.Name)
	if !isDeclared || !isRegistered {
		r.logger.Warn("call to unknown tool", "tool", call.Name)
		return ErrorResult(call.Name, SummaryUnknownTool, &ErrToolUnavailable{ToolName: call.Name})
	}

	args := call.Arguments
	if args == nil {
		args = make(map[string]any)
	}
	if missing := decl.MissingRequired(args); len(missing) > 0 {
		err := &ErrMissingArgument{ToolName: call.Name, Names: missing}
		return ErrorResult(call.Name, err.Error(), err)
	}
	if err := decl.ValidateArguments(args); err != nil {
		return ErrorResult(call.Name, "invalid arguments", err)
	}

	payload, err := r.invoke(ctx, t, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", call.Name, "error", err)
		return ErrorResult(call.Name, shortMessage(err), err)
	}
	return Result{
		ToolName: call.Name,
		Status:   StatusSuccess,
		Summary:  Summarize(payload),
		Payload:  payload,
	}
}

func (r *Registry) invoke(ctx context.Context, t *Tool, args map[string]any) (payload any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", t.Declaration.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			payload = nil
			err = &PanicError{ToolName: t.Declaration.Name, Value: p}
		}
	}()
	return t.Handler(ctx, args)
}

// ErrorResult builds a failed Result whose payload carries the error
// message.
func ErrorResult(name, summary string, err error) Result {
	return Result{
		ToolName: name,
		Status:   StatusError,
		Summary:  summary,
		Payload:  map[string]any{"error": err.Error()},
	}
}

// shortMessage returns the first line of err, truncated for display.
func shortMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const limit = 200
	if len(msg) > limit {
		msg = msg[:limit] + "…"
	}
	return msg
}

// Summarize describes a payload in one line: a Summarizer speaks for
// itself, slices and arrays report their length, anything else is
// "done".
func Summarize(payload any) string {
	if s, ok := payload.(Summarizer); ok {
		return s.Summary()
	}
	if payload == nil {
		return "done"
	}
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return CountSummary(v.Len())
	}
	return "done"
}

// CountSummary renders n as "1 item" or "n items".
func CountSummary(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}

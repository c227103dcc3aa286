// Package agent implements the co-pilot turn loop: one user message in,
// a generation call with the mode's output schema, then the model's
// tool calls executed one at a time, each result appended to the
// conversation as it completes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
	"github.com/nugget/hubpilot/internal/generation"
	"github.com/nugget/hubpilot/internal/schema"
	"github.com/nugget/hubpilot/internal/tools"
)

// State is a position in the turn state machine.
type State string

// Loop states. A run moves Idle → AwaitingGeneration, then either
// straight to Done or through HasToolCalls and AwaitingToolExecution,
// possibly back to AwaitingGeneration when more rounds are allowed.
const (
	StateIdle                  State = "idle"
	StateAwaitingGeneration    State = "awaiting_generation"
	StateHasToolCalls          State = "has_tool_calls"
	StateAwaitingToolExecution State = "awaiting_tool_execution"
	StateDone                  State = "done"
)

// ErrNoUserTurn is returned when the transcript has no user message to
// answer.
var ErrNoUserTurn = errors.New("transcript has no user turn")

// Generator produces schema-valid replies. *generation.Client
// implements it.
type Generator interface {
	Generate(ctx context.Context, req generation.PromptRequest, sch *schema.OutputSchema, tools []schema.ToolDeclaration) generation.Outcome
}

// Transcript is the conversation a run reads and appends to.
// *conversation.Log implements it.
type Transcript interface {
	Turns() []conversation.Turn
	Append(conversation.Turn) (conversation.Turn, error)
}

// Request describes one run of the loop. The caller has already
// appended the user turn being answered.
type Request struct {
	SessionID  string
	RequestID  string
	Mode       schema.Mode
	ContextTag string
	Transcript Transcript

	// OnState, if set, is called on every state transition.
	OnState func(State)
}

// Result summarizes a completed run.
type Result struct {
	RequestID string
	Rounds    int
	Appended  []conversation.Turn
	ToolCalls int
	Attempts  int
	Elapsed   time.Duration
}

// TurnError is a whole-turn failure. Nothing was appended after the
// failing generation.
type TurnError struct {
	SessionID string
	RequestID string
	Failure   *generation.Failure
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed: %v", e.RequestID, e.Failure)
}

// Unwrap returns the generation failure.
func (e *TurnError) Unwrap() error {
	return e.Failure
}

// UserMessage is the heading to show the user for this failure.
func (e *TurnError) UserMessage() string {
	return e.Failure.Kind.UserMessage()
}

// Loop runs turns. It holds no per-session state and may serve many
// sessions concurrently.
type Loop struct {
	gen       Generator
	schemas   *schema.Registry
	tools     *tools.Registry
	bus       *events.Bus
	logger    *slog.Logger
	maxRounds int
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRounds bounds the generation calls per user turn. With one
// round the loop ends after executing the first batch of tool calls.
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithEventBus publishes request and tool events.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// NewLoop creates a loop. registry may be nil when no tools are
// available.
func NewLoop(gen Generator, schemas *schema.Registry, registry *tools.Registry, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	l := &Loop{
		gen:       gen,
		schemas:   schemas,
		tools:     registry,
		logger:    logger.With("component", "agent"),
		maxRounds: 1,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// MaxRounds returns the configured round limit.
func (l *Loop) MaxRounds() int {
	return l.maxRounds
}

// Run answers the latest user turn in req.Transcript. A fatal
// generation failure returns a *TurnError; cancellation returns the
// context's error. In both cases no turn is appended after the failure
// point, while turns already appended stay.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.RequestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate request ID: %w", err)
		}
		req.RequestID = id.String()
	}
	log := l.logger.With("session", req.SessionID, "request_id", req.RequestID, "mode", req.Mode)
	r := &run{loop: l, req: req, log: log, res: &Result{RequestID: req.RequestID}}

	r.setState(StateIdle)
	defer func() { r.res.Elapsed = time.Since(start) }()

	if !hasUserTurn(req.Transcript.Turns()) {
		return nil, ErrNoUserTurn
	}

	sch, err := l.schemas.For(req.Mode)
	if err != nil {
		return nil, r.fail(&generation.Failure{
			Kind:   generation.FailureInvalidRequest,
			Reason: err.Error(),
			Err:    err,
		})
	}
	var declared []schema.ToolDeclaration
	if sch.ToolsEnabled {
		declared = l.tools.Declarations()
	}

	r.publish(events.KindRequestStart, map[string]any{"mode": string(req.Mode)})
	log.Info("turn started", "tools", len(declared), "max_rounds", l.maxRounds)

	for round := 1; round <= l.maxRounds; round++ {
		r.res.Rounds = round
		r.setState(StateAwaitingGeneration)

		prompt := BuildPrompt(req.Transcript.Turns())
		out := l.gen.Generate(ctx, generation.PromptRequest{
			Mode:       req.Mode,
			Text:       prompt,
			ContextTag: req.ContextTag,
			SessionID:  req.SessionID,
			RequestID:  req.RequestID,
		}, sch, declared)
		r.res.Attempts += out.Attempts

		if !out.OK() {
			if out.Err.Kind == generation.FailureCanceled && ctx.Err() != nil {
				return nil, r.canceled(ctx)
			}
			return nil, r.fail(out.Err)
		}

		reply, calls, err := interpret(sch, out.Data)
		if err != nil {
			return nil, r.fail(&generation.Failure{
				Kind:     generation.FailureInvalidOutput,
				Reason:   err.Error(),
				Raw:      out.Raw,
				Attempts: out.Attempts,
				Err:      err,
			})
		}

		if !reply.empty() {
			if err := r.append(ctx, reply.turn()); err != nil {
				return nil, err
			}
		}

		if len(calls) == 0 {
			break
		}
		r.setState(StateHasToolCalls)
		if err := r.executeAll(ctx, calls, declared); err != nil {
			return nil, err
		}
	}

	r.setState(StateDone)
	log.Info("turn complete",
		"rounds", r.res.Rounds,
		"appended", len(r.res.Appended),
		"tool_calls", r.res.ToolCalls,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	r.publish(events.KindRequestComplete, map[string]any{
		"rounds":     r.res.Rounds,
		"turns":      len(r.res.Appended),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return r.res, nil
}

// run carries the state of one Run call.
type run struct {
	loop  *Loop
	req   Request
	log   *slog.Logger
	res   *Result
	state State
}

func (r *run) setState(s State) {
	if r.state != "" && r.state != s {
		r.log.Debug("state transition", "from", r.state, "to", s)
	}
	r.state = s
	if r.req.OnState != nil {
		r.req.OnState(s)
	}
}

func (r *run) publish(kind string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["request_id"] = r.req.RequestID
	r.loop.bus.Publish(events.NewEvent(events.SourceAgent, kind, r.req.SessionID, data))
}

// append adds a turn unless the run has been canceled.
func (r *run) append(ctx context.Context, t conversation.Turn) error {
	if ctx.Err() != nil {
		return r.canceled(ctx)
	}
	stored, err := r.req.Transcript.Append(t)
	if err != nil {
		r.log.Warn("append failed", "kind", t.Kind, "error", err)
		r.setState(StateIdle)
		return fmt.Errorf("append %s turn: %w", t.Kind, err)
	}
	r.res.Appended = append(r.res.Appended, stored)
	return nil
}

// executeAll runs calls sequentially in model order, appending each
// tool turn as soon as its call returns.
func (r *run) executeAll(ctx context.Context, calls []schema.ToolRequest, declared []schema.ToolDeclaration) error {
	r.setState(StateAwaitingToolExecution)
	for i, req := range calls {
		if ctx.Err() != nil {
			return r.canceled(ctx)
		}
		r.publish(events.KindToolCall, map[string]any{"tool": req.Name, "index": i})

		var res tools.Result
		args, err := req.DecodeArguments()
		if err != nil {
			r.log.Warn("tool call with malformed arguments", "tool", req.Name, "error", err)
			res = tools.ErrorResult(req.Name, "invalid arguments", err)
		} else {
			res = r.loop.tools.Execute(ctx, tools.Call{Name: req.Name, Arguments: args}, declared)
		}
		r.res.ToolCalls++

		r.publish(events.KindToolDone, map[string]any{
			"tool":        res.ToolName,
			"ok":          res.OK(),
			"summary":     res.Summary,
			"duration_ms": res.DurationMS,
		})
		if err := r.append(ctx, conversation.ToolTurn(res)); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) fail(f *generation.Failure) error {
	r.log.Error("turn failed", "failure", f.Kind, "reason", f.Reason, "attempts", f.Attempts)
	r.publish(events.KindRequestFailed, map[string]any{
		"failure": string(f.Kind),
		"reason":  f.Reason,
		"message": f.Kind.UserMessage(),
	})
	r.setState(StateIdle)
	return &TurnError{SessionID: r.req.SessionID, RequestID: r.req.RequestID, Failure: f}
}

func (r *run) canceled(ctx context.Context) error {
	r.log.Info("turn canceled", "state", r.state)
	r.publish(events.KindRequestFailed, map[string]any{
		"failure": string(generation.FailureCanceled),
		"reason":  ctx.Err().Error(),
		"message": generation.FailureCanceled.UserMessage(),
	})
	r.setState(StateIdle)
	return ctx.Err()
}

func hasUserTurn(turns []conversation.Turn) bool {
	for _, t := range turns {
		if t.Kind == conversation.KindUser {
			return true
		}
	}
	return false
}

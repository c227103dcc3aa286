// Package generation wraps a generative backend with the co-pilot's
// output contract: every call carries an output schema, quota errors
// are retried with exponential backoff, and replies are validated
// before anyone sees them. A Client holds no conversation state and is
// safe for concurrent use.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nugget/hubpilot/internal/config"
	"github.com/nugget/hubpilot/internal/events"
	"github.com/nugget/hubpilot/internal/llm"
	"github.com/nugget/hubpilot/internal/schema"
	"github.com/nugget/hubpilot/internal/usage"
)

// PromptRequest is one generation request. SessionID and RequestID are
// used for correlation in logs, events and usage records only.
type PromptRequest struct {
	Mode       schema.Mode
	Text       string
	ContextTag string

	SessionID string
	RequestID string
}

// Outcome is the result of Generate: validated Data, or Err.
type Outcome struct {
	Data map[string]any
	Raw  string

	Attempts     int
	Delays       []time.Duration
	Model        string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration

	Err *Failure
}

// OK reports whether the outcome carries validated data.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// UsageRecorder persists per-generation token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Client is the resilient generation client.
type Client struct {
	backend  llm.Backend
	provider string
	policy   Policy
	logger   *slog.Logger
	usage    UsageRecorder
	pricing  config.PricingEntry
	bus      *events.Bus
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy replaces the default retry policy.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithUsage records token usage for every generation.
func WithUsage(rec UsageRecorder, pricing config.PricingEntry) Option {
	return func(c *Client) {
		c.usage = rec
		c.pricing = pricing
	}
}

// WithEventBus publishes retry and completion events.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithProvider names the backend in usage records. Defaults to "gemini".
func WithProvider(name string) Option {
	return func(c *Client) { c.provider = name }
}

// NewClient creates a generation client over backend.
func NewClient(backend llm.Backend, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		backend:  backend,
		provider: "gemini",
		policy:   DefaultPolicy(),
		logger:   logger.With("component", "generation"),
	}
	for _, o := range opts {
		o(c)
	}
	c.policy = c.policy.withDefaults()
	return c
}

// Policy returns the effective retry policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// Generate produces a schema-valid reply for req. It never returns a
// Go error; every failure is a terminal Outcome.Err. tools are
// advertised only when the schema enables them.
func (c *Client) Generate(ctx context.Context, req PromptRequest, sch *schema.OutputSchema, tools []schema.ToolDeclaration) Outcome {
	start := time.Now()
	log := c.logger.With("mode", req.Mode, "session", req.SessionID, "request_id", req.RequestID)

	if f := checkRequest(req, sch); f != nil {
		log.Warn("generation request rejected", "reason", f.Reason)
		return c.finish(ctx, req, Outcome{Err: f, Elapsed: time.Since(start)})
	}

	breq := &llm.Request{
		System: SystemInstruction(sch, req.ContextTag, tools),
		Prompt: req.Text,
		Schema: sch.Wire(),
	}

	var (
		out  Outcome
		resp *llm.Response
	)
	b := c.policy.backoff(
		func() int { return out.Attempts },
		func(next int, delay time.Duration) {
			out.Delays = append(out.Delays, delay)
			log.Warn("generation rate limited, backing off",
				"next_attempt", next,
				"max_attempts", c.policy.MaxAttempts,
				"delay", delay,
			)
			c.bus.Publish(events.NewEvent(events.SourceGeneration, events.KindGenerationRetry, req.SessionID, map[string]any{
				"request_id": req.RequestID,
				"attempt":    next,
				"delay_ms":   delay.Milliseconds(),
			}))
		},
	)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		out.Attempts++
		log.Debug("generation attempt", "attempt", out.Attempts)
		r, err := c.backend.Generate(ctx, breq)
		if r != nil {
			resp = r
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, llm.ErrEmptyResponse) {
			return err
		}
		if c.policy.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	out.Elapsed = time.Since(start)
	if resp != nil {
		out.Model = resp.Model
		out.InputTokens = resp.InputTokens
		out.OutputTokens = resp.OutputTokens
	}

	if err != nil {
		out.Err = c.classify(ctx, err, out.Attempts)
		log.Warn("generation failed",
			"kind", out.Err.Kind,
			"attempts", out.Attempts,
			"error", err,
		)
		return c.finish(ctx, req, out)
	}

	out.Raw = resp.Text
	data, err := sch.Decode(resp.Text)
	if err != nil {
		out.Err = &Failure{
			Kind:     FailureInvalidOutput,
			Reason:   err.Error(),
			Raw:      resp.Text,
			Attempts: out.Attempts,
			Err:      err,
		}
		log.Warn("generation reply failed validation", "schema", sch.Name, "error", err, "raw_len", len(resp.Text))
		return c.finish(ctx, req, out)
	}
	out.Data = data

	log.Info("generation complete",
		"attempts", out.Attempts,
		"tokens_in", out.InputTokens,
		"tokens_out", out.OutputTokens,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	return c.finish(ctx, req, out)
}

func (c *Client) classify(ctx context.Context, err error, attempts int) *Failure {
	f := &Failure{Reason: err.Error(), Attempts: attempts, Err: err}
	switch {
	case ctx.Err() != nil:
		f.Kind = FailureCanceled
	case errors.Is(err, llm.ErrEmptyResponse):
		f.Kind = FailureInvalidOutput
	case c.policy.Retryable(err):
		f.Kind = FailureQuotaExhausted
	default:
		f.Kind = FailureBackend
	}
	return f
}

// finish records usage and publishes the completion event.
func (c *Client) finish(ctx context.Context, req PromptRequest, out Outcome) Outcome {
	result := "ok"
	if out.Err != nil {
		result = string(out.Err.Kind)
	}

	c.bus.Publish(events.NewEvent(events.SourceGeneration, events.KindGenerationDone, req.SessionID, map[string]any{
		"request_id": req.RequestID,
		"mode":       string(req.Mode),
		"attempts":   out.Attempts,
		"ok":         out.OK(),
		"outcome":    result,
		"tokens_in":  out.InputTokens,
		"tokens_out": out.OutputTokens,
	}))

	if c.usage != nil && out.Attempts > 0 {
		rec := usage.Record{
			RequestID:    req.RequestID,
			SessionID:    req.SessionID,
			Mode:         string(req.Mode),
			Model:        out.Model,
			Provider:     c.provider,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostUSD:      usage.ComputeCost(out.InputTokens, out.OutputTokens, c.pricing),
			Attempts:     out.Attempts,
			Outcome:      result,
		}
		if rec.Model == "" {
			rec.Model = "unknown"
		}
		// Usage is recorded even when the caller has gone away.
		if err := c.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Warn("failed to record usage", "error", err)
		}
	}
	return out
}

func checkRequest(req PromptRequest, sch *schema.OutputSchema) *Failure {
	reject := func(reason string) *Failure {
		return &Failure{Kind: FailureInvalidRequest, Reason: reason}
	}
	switch {
	case sch == nil:
		return reject(fmt.Sprintf("no output schema for mode %q", req.Mode))
	case sch.Mode != req.Mode:
		return reject(fmt.Sprintf("schema %s does not belong to mode %q", sch.Name, req.Mode))
	case strings.TrimSpace(req.Text) == "":
		return reject("prompt text is empty")
	}
	return nil
}

// SystemInstruction assembles the system instruction for a request: the
// schema's instruction, the tool catalog when tools are enabled, and
// the dashboard context tag.
func SystemInstruction(sch *schema.OutputSchema, contextTag string, tools []schema.ToolDeclaration) string {
	var sb strings.Builder
	sb.WriteString(sch.Instruction)
	if sch.ToolsEnabled && len(tools) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(schema.Catalog(tools))
	}
	if tag := strings.TrimSpace(contextTag); tag != "" {
		sb.WriteString("\n\nDashboard context: ")
		sb.WriteString(tag)
	}
	return sb.String()
}

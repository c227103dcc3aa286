package llm

import (
	"time"
)

// Request is a provider-neutral generation request.
type Request struct {
	// Model overrides the client's default model when non-empty.
	Model string
	// System is the system instruction.
	System string
	// Prompt is the user-visible conversation flattened to text.
	Prompt string
	// Schema is the response schema in the provider's wire dialect.
	// When set, the provider is asked for JSON output.
	Schema map[string]any
	// Temperature is passed through when non-zero.
	Temperature float64
}

// Response is the unified reply from a provider. Text is the raw
// candidate text; callers decode and validate it themselves.
type Response struct {
	Model        string
	Text         string
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	Elapsed time.Duration
}

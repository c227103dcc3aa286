package generation

import "fmt"

// FailureKind classifies a terminal generation failure.
type FailureKind string

// Failure kinds. None of them is retried by the caller: the client
// has already spent its retry budget where retrying made sense.
const (
	// FailureQuotaExhausted means every attempt was rate limited.
	FailureQuotaExhausted FailureKind = "quota_exhausted"
	// FailureBackend is any other backend or transport error.
	FailureBackend FailureKind = "backend"
	// FailureInvalidOutput means the backend answered but the reply was
	// empty, not JSON, or did not match the schema.
	FailureInvalidOutput FailureKind = "invalid_output"
	// FailureInvalidRequest means the request was rejected before any
	// backend call.
	FailureInvalidRequest FailureKind = "invalid_request"
	// FailureCanceled means the caller's context ended first.
	FailureCanceled FailureKind = "canceled"
)

// UserMessage is the short heading shown to the user for this kind.
func (k FailureKind) UserMessage() string {
	switch k {
	case FailureInvalidOutput:
		return "AI returned invalid output"
	case FailureCanceled:
		return "Request cancelled"
	default:
		return "AI Generation Failed"
	}
}

// Failure is a terminal generation outcome.
type Failure struct {
	Kind   FailureKind
	Reason string
	// Raw is the unvalidated reply text for FailureInvalidOutput.
	Raw      string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Attempts > 1 {
		return fmt.Sprintf("generation %s after %d attempts: %s", f.Kind, f.Attempts, f.Reason)
	}
	return fmt.Sprintf("generation %s: %s", f.Kind, f.Reason)
}

// Unwrap returns the underlying error, if any.
func (f *Failure) Unwrap() error {
	return f.Err
}

package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// APIError is a non-2xx reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	// Status is the provider's symbolic status, e.g. RESOURCE_EXHAUSTED.
	Status  string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Status != "" {
		return fmt.Sprintf("%s API error %d (%s): %s", e.Provider, e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, msg)
}

// ErrEmptyResponse is returned when the provider answered but produced
// no candidate text.
var ErrEmptyResponse = errors.New("provider returned no candidate text")

// quotaCode matches a standalone 429 in free-form error text.
var quotaCode = regexp.MustCompile(`\b429\b`)

// IsQuota reports whether err means the caller is being rate limited.
// A provider reply decides from its status: HTTP 429, RESOURCE_EXHAUSTED,
// or a message naming a quota. Other errors qualify only when their
// text names a quota or carries a standalone 429.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.Status == "RESOURCE_EXHAUSTED" ||
			strings.Contains(strings.ToLower(apiErr.Message), "quota")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || quotaCode.MatchString(msg)
}

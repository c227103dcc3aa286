package generation

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nugget/hubpilot/internal/llm"
)

// Default retry policy values.
const (
	DefaultMaxAttempts = 6
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy decides how many times a generation is attempted and how long
// to wait between attempts. The zero value of any field means the
// default.
type Policy struct {
	// MaxAttempts caps backend calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows each subsequent wait. Must be greater than 1 for
	// waits to increase.
	Multiplier float64
	// MaxDelay caps a single wait. Zero leaves waits uncapped.
	MaxDelay time.Duration
	// Retryable reports whether an error is worth another attempt.
	// Defaults to llm.IsQuota: only rate limiting is retried.
	Retryable func(error) bool
}

// DefaultPolicy returns six attempts with waits of 2s, 4s, 8s, 16s and
// 32s, retrying only on quota errors.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		Retryable:   llm.IsQuota,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Retryable == nil {
		p.Retryable = llm.IsQuota
	}
	return p
}

// Delay returns the wait before attempt (1-based). The first attempt
// never waits; attempt i >= 2 waits BaseDelay * Multiplier^(i-2).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// backoff adapts the policy to go-retry. attempts reports how many
// calls have been made so far; onWait is invoked with the upcoming
// attempt number and its delay before every wait.
func (p Policy) backoff(attempts func() int, onWait func(next int, delay time.Duration)) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		next := attempts() + 1
		if next > p.MaxAttempts {
			return 0, true
		}
		d := p.Delay(next)
		if onWait != nil {
			onWait(next, d)
		}
		return d, false
	})
}

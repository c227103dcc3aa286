package mqtt

import (
	"sync"
	"time"
)

// DailyTokens tracks generation token usage that resets at local
// midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	failures int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Add records one finished generation. If the local date has changed
// since the last recording, counters are reset first.
func (d *DailyTokens) Add(inputTokens, outputTokens int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
	if !ok {
		d.failures++
	}
}

// TokenSnapshot is a copy of today's totals.
type TokenSnapshot struct {
	Input    int64 `json:"input_tokens"`
	Output   int64 `json:"output_tokens"`
	Requests int64 `json:"generations"`
	Failures int64 `json:"failures"`
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyTokens) Snapshot() TokenSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return TokenSnapshot{Input: d.input, Output: d.output, Requests: d.requests, Failures: d.failures}
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.requests = 0
		d.failures = 0
		d.resetDay = today
	}
}

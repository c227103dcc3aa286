package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hubpilot/internal/usage"
)

func testUsageStore(t *testing.T) *usage.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := usage.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want string
	}{
		{"millions", 1_230_000, "1.23M"},
		{"thousands", 456_000, "456.0K"},
		{"small", 789, "789"},
		{"zero", 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTokenCount(tt.n); got != tt.want {
				t.Errorf("formatTokenCount(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		period     string
		wantRecent bool
	}{
		{"today", true},
		{"week", true},
		{"month", true},
		{"all", false},
		{"bogus", false},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			start, end := parsePeriod(tt.period)
			if end.Before(time.Now().Add(-1 * time.Second)) {
				t.Errorf("end %v should be at or after now", end)
			}
			if tt.wantRecent {
				if start.Before(time.Now().AddDate(0, -2, 0)) {
					t.Errorf("start %v too far in the past for period %q", start, tt.period)
				}
			} else if !start.IsZero() {
				t.Errorf("start = %v, want zero time for period %q", start, tt.period)
			}
		})
	}
}

func TestUsageSummaryTool(t *testing.T) {
	store := testUsageStore(t)
	now := time.Now()
	for _, rec := range []usage.Record{
		{Timestamp: now, RequestID: "r1", Mode: "chat", Model: "gemini-2.0-flash", Provider: "gemini", InputTokens: 1500, OutputTokens: 300, Attempts: 1, Outcome: "ok"},
		{Timestamp: now, RequestID: "r2", Mode: "audit", Model: "gemini-2.0-flash", Provider: "gemini", InputTokens: 500, OutputTokens: 200, Attempts: 6, Outcome: "quota_exhausted"},
	} {
		if err := store.Record(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRegistry(testLogger())
	if err := RegisterUsage(r, store); err != nil {
		t.Fatalf("RegisterUsage: %v", err)
	}

	res := r.Execute(context.Background(), Call{
		Name:      "usage_summary",
		Arguments: map[string]any{"period": "today", "group_by": "outcome"},
	}, nil)
	if !res.OK() {
		t.Fatalf("usage_summary failed: %+v", res)
	}
	if !strings.HasPrefix(res.Summary, "2 generations, 2.0K tokens in") {
		t.Errorf("Summary = %q", res.Summary)
	}
	report := res.Payload.(*UsageReport)
	if report.Groups["quota_exhausted"] == nil {
		t.Errorf("missing quota_exhausted group: %+v", report.Groups)
	}

	bad := r.Execute(context.Background(), Call{
		Name:      "usage_summary",
		Arguments: map[string]any{"period": "today", "group_by": "color"},
	}, nil)
	if bad.OK() || !strings.Contains(bad.Summary, "unknown group_by") {
		t.Errorf("bad group_by result = %+v", bad)
	}
}

func TestRegisterUsage_NilStore(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := RegisterUsage(r, nil); err != nil {
		t.Fatal(err)
	}
	if len(r.Declarations()) != 0 {
		t.Error("nil store should register nothing")
	}
}

package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/hubpilot/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{
			Timestamp:    now,
			RequestID:    "r_001",
			SessionID:    "sess-1",
			Mode:         "chat",
			Model:        "gemini-2.0-flash",
			Provider:     "gemini",
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.0003,
			Attempts:     1,
			Outcome:      "ok",
		},
		Record{
			Timestamp:    now,
			RequestID:    "r_002",
			SessionID:    "sess-1",
			Mode:         "audit",
			Model:        "gemini-2.0-flash",
			Provider:     "gemini",
			InputTokens:  2000,
			OutputTokens: 1000,
			CostUSD:      0.0006,
			Attempts:     3,
			Outcome:      "ok",
		},
	)

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if sum.TotalAttempts != 4 {
		t.Errorf("TotalAttempts = %d, want 4", sum.TotalAttempts)
	}
	if diff := sum.TotalCostUSD - 0.0009; diff > 0.000001 || diff < -0.000001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0009", sum.TotalCostUSD)
	}
}

func TestSummaryByMode(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", Mode: "chat", Model: "m", Provider: "p", InputTokens: 100, OutputTokens: 50, Attempts: 1, Outcome: "ok"},
		Record{Timestamp: now, RequestID: "r2", Mode: "chat", Model: "m", Provider: "p", InputTokens: 200, OutputTokens: 100, Attempts: 2, Outcome: "ok"},
		Record{Timestamp: now, RequestID: "r3", Mode: "optimize", Model: "m", Provider: "p", InputTokens: 50, OutputTokens: 25, Attempts: 1, Outcome: "ok"},
	)

	result, err := s.SummaryByMode(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByMode: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}

	chat := result["chat"]
	if chat == nil {
		t.Fatal("missing 'chat' group")
	}
	if chat.TotalRecords != 2 || chat.TotalInputTokens != 300 || chat.TotalAttempts != 3 {
		t.Errorf("chat = %+v", chat)
	}
	if result["optimize"] == nil || result["optimize"].TotalRecords != 1 {
		t.Errorf("optimize = %+v", result["optimize"])
	}
}

func TestSummaryByOutcome(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", Mode: "chat", Model: "m", Provider: "p", Attempts: 6, Outcome: "quota_exhausted"},
		Record{Timestamp: now, RequestID: "r2", Mode: "chat", Model: "m", Provider: "p", InputTokens: 10, OutputTokens: 5, Attempts: 1, Outcome: "ok"},
		Record{Timestamp: now, RequestID: "r3", Mode: "chat", Model: "m", Provider: "p", InputTokens: 10, OutputTokens: 5, Attempts: 1, Outcome: "invalid_output"},
	)

	result, err := s.SummaryByOutcome(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByOutcome: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d groups, want 3", len(result))
	}
	if q := result["quota_exhausted"]; q == nil || q.TotalAttempts != 6 {
		t.Errorf("quota_exhausted = %+v, want 6 attempts", q)
	}
}

func TestSummaryBySession(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RequestID: "r1", SessionID: "a", Mode: "chat", Model: "m", Provider: "p", Attempts: 1, Outcome: "ok"},
		Record{Timestamp: now, RequestID: "r2", Mode: "chat", Model: "m", Provider: "p", Attempts: 1, Outcome: "ok"},
	)

	result, err := s.SummaryBySession(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	if result["a"] == nil {
		t.Error("missing session 'a'")
	}
	// Records with no session are grouped under "".
	if result[""] == nil {
		t.Error("missing empty-string session group")
	}
}

func TestQueryByPeriod_Filters(t *testing.T) {
	s := testStore(t)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	record(t, s,
		Record{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", Mode: "chat", Model: "m", Provider: "p", Outcome: "ok", CostUSD: 1.0},
		Record{Timestamp: base, RequestID: "in-range", Mode: "chat", Model: "m", Provider: "p", Outcome: "ok", CostUSD: 2.0},
		Record{Timestamp: base.Add(2 * time.Hour), RequestID: "future", Mode: "chat", Model: "m", Provider: "p", Outcome: "ok", CostUSD: 3.0},
	)

	sum, err := s.Summary(base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
}

func TestSummaryByModel_EmptyDB(t *testing.T) {
	s := testStore(t)

	result, err := s.SummaryByModel(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if result == nil {
		t.Fatal("SummaryByModel returned nil, want empty map")
	}
	if len(result) != 0 {
		t.Errorf("got %d groups, want 0", len(result))
	}
}

func TestComputeCost(t *testing.T) {
	pricing := config.PricingEntry{InputPerMillion: 0.10, OutputPerMillion: 0.40}

	tests := []struct {
		name   string
		input  int
		output int
		want   float64
	}{
		{"one_million_each", 1_000_000, 1_000_000, 0.50},
		{"zero_tokens", 0, 0, 0},
		{"small_usage", 10_000, 5_000, 0.003},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.000001 || diff < -0.000001 {
				t.Errorf("ComputeCost(%d, %d) = %f, want %f", tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestComputeCost_NoPricing(t *testing.T) {
	if got := ComputeCost(1000, 500, config.PricingEntry{}); got != 0 {
		t.Errorf("ComputeCost with zero pricing = %f, want 0", got)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)

	record(t, s, Record{Timestamp: time.Now(), RequestID: "r_test", Mode: "chat", Model: "m", Provider: "p", Outcome: "ok"})

	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/usage.db")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}

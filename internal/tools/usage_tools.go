package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/hubpilot/internal/schema"
	"github.com/nugget/hubpilot/internal/usage"
)

// UsageQuerier is the part of the usage store the usage tool reads.
type UsageQuerier interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByMode(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByOutcome(start, end time.Time) (map[string]*usage.Summary, error)
}

// UsageReport is the payload of the usage_summary tool.
type UsageReport struct {
	Period  string                    `json:"period"`
	Totals  *usage.Summary            `json:"totals"`
	GroupBy string                    `json:"group_by,omitempty"`
	Groups  map[string]*usage.Summary `json:"groups,omitempty"`
}

// Summary implements Summarizer.
func (u *UsageReport) Summary() string {
	return fmt.Sprintf("%d generations, %s tokens in / %s out, $%.4f",
		u.Totals.TotalRecords,
		formatTokenCount(u.Totals.TotalInputTokens),
		formatTokenCount(u.Totals.TotalOutputTokens),
		u.Totals.TotalCostUSD,
	)
}

// UsageSummaryDeclaration advertises the usage_summary tool.
var UsageSummaryDeclaration = schema.NewTool("usage_summary",
	"Report the co-pilot's own generation usage: request count, tokens and estimated cost. "+
		"period is one of today, yesterday, week, month, all; group_by is one of model, mode, outcome.").
	Param("period", schema.TypeString, "Time period to summarize.", true).
	Param("group_by", schema.TypeString, "Optional breakdown.", false).
	Build()

// RegisterUsage registers the usage_summary tool. A nil store registers
// nothing.
func RegisterUsage(r *Registry, store UsageQuerier) error {
	if store == nil {
		return nil
	}
	return r.Register(Tool{
		Declaration: UsageSummaryDeclaration,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			period, _ := args["period"].(string)
			groupBy, _ := args["group_by"].(string)
			return BuildUsageReport(store, period, groupBy)
		},
	})
}

// BuildUsageReport summarizes usage over a named period, optionally
// broken down by group_by.
func BuildUsageReport(store UsageQuerier, period, groupBy string) (*UsageReport, error) {
	start, end := parsePeriod(period)
	totals, err := store.Summary(start, end)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	report := &UsageReport{Period: period, Totals: totals}

	if groupBy != "" {
		groups, err := queryGrouped(store, groupBy, start, end)
		if err != nil {
			return nil, err
		}
		report.GroupBy = groupBy
		report.Groups = groups
	}
	return report, nil
}

// queryGrouped dispatches the grouped summary query based on the
// group_by parameter.
func queryGrouped(store UsageQuerier, groupBy string, start, end time.Time) (map[string]*usage.Summary, error) {
	switch groupBy {
	case "model":
		return store.SummaryByModel(start, end)
	case "mode":
		return store.SummaryByMode(start, end)
	case "outcome":
		return store.SummaryByOutcome(start, end)
	default:
		return nil, fmt.Errorf("unknown group_by %q (valid: model, mode, outcome)", groupBy)
	}
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string) (time.Time, time.Time) {
	now := time.Now()
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}

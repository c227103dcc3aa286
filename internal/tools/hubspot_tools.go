package tools

import (
	"context"
	"fmt"

	"github.com/nugget/hubpilot/internal/hubspot"
	"github.com/nugget/hubpilot/internal/schema"
)

// CRMReader is the read side of the HubSpot client used by the CRM
// tools.
type CRMReader interface {
	RecentContacts(ctx context.Context, limit int) ([]hubspot.Contact, error)
	RecentDeals(ctx context.Context, limit int) ([]hubspot.Deal, error)
	Workflows(ctx context.Context) ([]hubspot.Workflow, error)
}

// CRM tool declarations.
var (
	ListRecentContactsDeclaration = schema.NewTool("list_recent_contacts",
		"List the most recently created HubSpot contacts, newest first.").
		Param("limit", schema.TypeInteger, "Maximum contacts to return (default 5, max 100).", false).
		Build()

	ListRecentDealsDeclaration = schema.NewTool("list_recent_deals",
		"List the most recently created HubSpot deals, newest first.").
		Param("limit", schema.TypeInteger, "Maximum deals to return (default 5, max 100).", false).
		Build()

	ListWorkflowsDeclaration = schema.NewTool("list_workflows",
		"List every automation workflow in the HubSpot portal with its enabled state.").
		Build()
)

// HubSpotDeclarations returns the CRM tool declarations in catalog
// order.
func HubSpotDeclarations() []schema.ToolDeclaration {
	return []schema.ToolDeclaration{
		ListRecentContactsDeclaration,
		ListRecentDealsDeclaration,
		ListWorkflowsDeclaration,
	}
}

// RegisterHubSpot registers the CRM read tools backed by crm.
func RegisterHubSpot(r *Registry, crm CRMReader) error {
	if crm == nil {
		return nil
	}
	defs := []Tool{
		{
			Declaration: ListRecentContactsDeclaration,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return crm.RecentContacts(ctx, intArg(args, "limit"))
			},
		},
		{
			Declaration: ListRecentDealsDeclaration,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return crm.RecentDeals(ctx, intArg(args, "limit"))
			},
		},
		{
			Declaration: ListWorkflowsDeclaration,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return crm.Workflows(ctx)
			},
		},
	}
	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Declaration.Name, err)
		}
	}
	return nil
}

// intArg reads a numeric argument. JSON numbers arrive as float64.
func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

package schema

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoSchema is returned when no schema is registered for a mode.
var ErrNoSchema = errors.New("no output schema registered for mode")

// Registry maps each mode to its output schema. It holds at most one
// schema per mode and is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[Mode]*OutputSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Mode]*OutputSchema)}
}

// DefaultRegistry returns a registry holding the built-in schemas for
// every mode.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []*OutputSchema{ChatSchema(), PlanSchema(ModeOptimize), PlanSchema(ModeAudit)} {
		if err := r.Register(s); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", s.Name, err))
		}
	}
	return r
}

// Register adds a schema. Registering a second schema for the same
// mode, or a structurally invalid schema, is an error.
func (r *Registry) Register(s *OutputSchema) error {
	if s == nil {
		return errors.New("nil schema")
	}
	if err := s.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.Mode]; exists {
		return fmt.Errorf("schema for mode %q already registered", s.Mode)
	}
	r.schemas[s.Mode] = s
	return nil
}

// For returns the schema for mode.
func (r *Registry) For(mode Mode) (*OutputSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[mode]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoSchema, mode)
	}
	return s, nil
}

// Modes returns the registered modes in display order.
func (r *Registry) Modes() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Mode
	for _, m := range Modes() {
		if _, ok := r.schemas[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// ChatSchema is the conversational contract: a reply, follow-up
// suggestions, and optional tool calls. Tool arguments travel as a
// JSON-encoded string because the backend's schema dialect cannot
// express an object with caller-defined keys.
func ChatSchema() *OutputSchema {
	return &OutputSchema{
		Mode:         ModeChat,
		Name:         "chat",
		ToolsEnabled: true,
		Instruction: "You are the HubPilot co-pilot for a HubSpot portal. " +
			"Answer the user's request in \"text\" and offer short follow-up actions in \"suggestions\". " +
			"When you need live CRM data, request it through \"toolCalls\" using only the tools listed below; " +
			"\"arguments\" must be a JSON object encoded as a string.",
		Fields: []Field{
			{Name: "text", Type: TypeString, Required: true, Description: "Reply shown to the user."},
			{Name: "suggestions", Type: TypeArray, Required: true, Description: "Follow-up actions.",
				Items: &Field{Type: TypeString}},
			{Name: "toolCalls", Type: TypeArray, Description: "Tools to run, in order.",
				Items: &Field{Type: TypeObject, Fields: []Field{
					{Name: "name", Type: TypeString, Required: true},
					{Name: "arguments", Type: TypeString, Description: "JSON-encoded argument object."},
				}}},
		},
	}
}

// PlanSchema is the structured-plan contract shared by the optimize and
// audit modes.
func PlanSchema(mode Mode) *OutputSchema {
	instruction := "You are the HubPilot optimization engine for a HubSpot portal. " +
		"Propose a concrete specification that improves what the user describes."
	if mode == ModeAudit {
		instruction = "You are the HubPilot audit engine for a HubSpot portal. " +
			"Review what the user describes and report problems together with a corrected specification."
	}
	return &OutputSchema{
		Mode:        mode,
		Name:        string(mode),
		Instruction: instruction,
		Fields: []Field{
			{Name: "specType", Type: TypeString, Required: true,
				Description: "Kind of asset the spec describes, e.g. workflow, sequence, segment."},
			{Name: "spec", Type: TypeObject, Required: true, Fields: []Field{
				{Name: "title", Type: TypeString, Required: true},
				{Name: "summary", Type: TypeString},
				{Name: "steps", Type: TypeArray, Items: &Field{Type: TypeString}},
			}},
			{Name: "analysis", Type: TypeString, Required: true},
			{Name: "diff", Type: TypeArray, Required: true, Description: "Changes relative to the current state.",
				Items: &Field{Type: TypeString}},
		},
	}
}

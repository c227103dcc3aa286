// Package schema defines the structured-output contracts the generative
// backend must satisfy and the declarations of tools the model may call.
//
// Every generation request is paired with exactly one [OutputSchema],
// selected by [Mode] from a [Registry]. The schema is sent to the
// backend in its wire form and used afterwards to validate the reply,
// so a reply that reaches the agent loop always has the required
// shape.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Mode selects the output contract for a request.
type Mode string

// Supported modes.
const (
	ModeChat     Mode = "chat"
	ModeOptimize Mode = "optimize"
	ModeAudit    Mode = "audit"
)

// Modes returns every supported mode in display order.
func Modes() []Mode {
	return []Mode{ModeChat, ModeOptimize, ModeAudit}
}

// ParseMode converts a case-insensitive string to a Mode. The empty
// string is rejected; callers pick their own default.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (valid: chat, optimize, audit)", s)
}

// Field types understood by the schema builder. They are the JSON
// Schema primitive names.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Field describes one property of a structured reply. Items is set for
// arrays and Fields for objects.
type Field struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Items       *Field
	Fields      []Field
}

// OutputSchema is the contract for one mode.
type OutputSchema struct {
	Mode Mode
	// Name is a short identifier used in logs and error messages.
	Name string
	// Instruction is the system instruction sent with every request in
	// this mode.
	Instruction string
	Fields      []Field
	// ToolsEnabled advertises the tool catalog to the model and allows
	// toolCalls in the reply.
	ToolsEnabled bool
}

// ErrNotObject is returned when a reply decodes to something other
// than a JSON object.
var ErrNotObject = errors.New("reply is not a JSON object")

// JSONSchema converts the output schema to a JSON Schema document.
func (s *OutputSchema) JSONSchema() *jsonschema.Schema {
	return objectSchema(s.Fields, "")
}

func objectSchema(fields []Field, desc string) *jsonschema.Schema {
	js := &jsonschema.Schema{
		Type:        TypeObject,
		Description: desc,
		Properties:  make(map[string]*jsonschema.Schema, len(fields)),
	}
	for _, f := range fields {
		js.Properties[f.Name] = fieldSchema(f)
		if f.Required {
			js.Required = append(js.Required, f.Name)
		}
	}
	return js
}

func fieldSchema(f Field) *jsonschema.Schema {
	switch f.Type {
	case TypeObject:
		return objectSchema(f.Fields, f.Description)
	case TypeArray:
		js := &jsonschema.Schema{Type: TypeArray, Description: f.Description}
		if f.Items != nil {
			js.Items = fieldSchema(*f.Items)
		}
		return js
	default:
		return &jsonschema.Schema{Type: f.Type, Description: f.Description}
	}
}

// Resolve compiles the schema for validation.
func (s *OutputSchema) Resolve() (*jsonschema.Resolved, error) {
	rs, err := s.JSONSchema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s schema: %w", s.Name, err)
	}
	return rs, nil
}

// Decode parses raw reply text and validates it against the schema.
// Nothing is repaired or coerced: text that is not a JSON object, or an
// object missing a required field or carrying a field of the wrong
// type, is an error.
func (s *OutputSchema) Decode(raw string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", s.Name, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	if err := s.Validate(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Validate checks an already-decoded instance against the schema.
func (s *OutputSchema) Validate(instance map[string]any) error {
	rs, err := s.Resolve()
	if err != nil {
		return err
	}
	if err := rs.Validate(instance); err != nil {
		return fmt.Errorf("%s reply does not match schema: %w", s.Name, err)
	}
	return nil
}

// Wire returns the schema in the backend's responseSchema dialect:
// upper-case type names and an explicit property ordering so the model
// emits fields in declaration order.
func (s *OutputSchema) Wire() map[string]any {
	return wireObject(s.Fields, "")
}

func wireObject(fields []Field, desc string) map[string]any {
	props := make(map[string]any, len(fields))
	order := make([]string, 0, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = wireField(f)
		order = append(order, f.Name)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":             "OBJECT",
		"properties":       props,
		"propertyOrdering": order,
	}
	if desc != "" {
		out["description"] = desc
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func wireField(f Field) map[string]any {
	switch f.Type {
	case TypeObject:
		return wireObject(f.Fields, f.Description)
	case TypeArray:
		out := map[string]any{"type": "ARRAY"}
		if f.Description != "" {
			out["description"] = f.Description
		}
		if f.Items != nil {
			out["items"] = wireField(*f.Items)
		}
		return out
	default:
		out := map[string]any{"type": strings.ToUpper(f.Type)}
		if f.Description != "" {
			out["description"] = f.Description
		}
		return out
	}
}

// check reports structural problems in a schema definition.
func (s *OutputSchema) check() error {
	if s.Name == "" {
		return errors.New("schema name is empty")
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	_, err := s.Resolve()
	return err
}

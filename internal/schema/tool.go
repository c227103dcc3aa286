package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Param is one parameter of a tool declaration.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDeclaration advertises a tool to the model.
type ToolDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters,omitempty"`
}

// ToolBuilder builds a ToolDeclaration fluently.
type ToolBuilder struct {
	decl ToolDeclaration
}

// NewTool starts a declaration.
func NewTool(name, description string) *ToolBuilder {
	return &ToolBuilder{decl: ToolDeclaration{Name: name, Description: description}}
}

// Param appends a parameter.
func (b *ToolBuilder) Param(name, typ, description string, required bool) *ToolBuilder {
	b.decl.Parameters = append(b.decl.Parameters, Param{
		Name:        name,
		Type:        typ,
		Description: description,
		Required:    required,
	})
	return b
}

// Build returns the declaration.
func (b *ToolBuilder) Build() ToolDeclaration {
	return b.decl
}

// MissingRequired returns the required parameters absent from args, in
// declaration order.
func (d ToolDeclaration) MissingRequired(args map[string]any) []string {
	var missing []string
	for _, p := range d.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := args[p.Name]; !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// JSONSchema returns the parameter object schema.
func (d ToolDeclaration) JSONSchema() *jsonschema.Schema {
	js := &jsonschema.Schema{
		Type:       TypeObject,
		Properties: make(map[string]*jsonschema.Schema, len(d.Parameters)),
	}
	for _, p := range d.Parameters {
		js.Properties[p.Name] = &jsonschema.Schema{Type: p.Type, Description: p.Description}
		if p.Required {
			js.Required = append(js.Required, p.Name)
		}
	}
	return js
}

// ValidateArguments checks argument types against the declaration.
func (d ToolDeclaration) ValidateArguments(args map[string]any) error {
	rs, err := d.JSONSchema().Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	if err := rs.Validate(args); err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	return nil
}

// CheckDeclarations reports empty or duplicate names in a declared set.
func CheckDeclarations(decls []ToolDeclaration) error {
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return fmt.Errorf("tool declaration with empty name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate tool declaration %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Find returns the declaration named name.
func Find(decls []ToolDeclaration, name string) (ToolDeclaration, bool) {
	for _, d := range decls {
		if d.Name == name {
			return d, true
		}
	}
	return ToolDeclaration{}, false
}

// Catalog renders declarations as plain text for a system instruction.
// Tools are listed alphabetically so the instruction is stable.
func Catalog(decls []ToolDeclaration) string {
	if len(decls) == 0 {
		return ""
	}
	sorted := make([]ToolDeclaration, len(decls))
	copy(sorted, decls)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, d := range sorted {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		for _, p := range d.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "    %s (%s, %s)", p.Name, p.Type, req)
			if p.Description != "" {
				fmt.Fprintf(&sb, ": %s", p.Description)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolRequest is a tool call as the model emitted it.
type ToolRequest struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// DecodeArguments parses the JSON-encoded argument object. An empty
// string yields an empty map.
func (t ToolRequest) DecodeArguments() (map[string]any, error) {
	args := make(map[string]any)
	if strings.TrimSpace(t.Arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(t.Arguments), &args); err != nil {
		return nil, fmt.Errorf("tool %s: arguments are not a JSON object: %w", t.Name, err)
	}
	return args, nil
}

// ChatReply is a validated chat-mode reply.
type ChatReply struct {
	Text        string        `json:"text"`
	Suggestions []string      `json:"suggestions"`
	ToolCalls   []ToolRequest `json:"toolCalls,omitempty"`
}

// Spec is the proposed asset inside a plan.
type Spec struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary,omitempty"`
	Steps   []string `json:"steps,omitempty"`
}

// Plan is a validated optimize- or audit-mode reply.
type Plan struct {
	SpecType string   `json:"specType"`
	Spec     Spec     `json:"spec"`
	Analysis string   `json:"analysis"`
	Diff     []string `json:"diff"`
}

// AsChat converts validated reply data to a ChatReply.
func AsChat(data map[string]any) (ChatReply, error) {
	var r ChatReply
	err := remarshal(data, &r)
	return r, err
}

// AsPlan converts validated reply data to a Plan.
func AsPlan(data map[string]any) (Plan, error) {
	var p Plan
	err := remarshal(data, &p)
	return p, err
}

func remarshal(in map[string]any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Package conversation holds the append-only transcript of a co-pilot
// session and its SQLite persistence.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/hubpilot/internal/tools"
)

// Kind tags the variant of a Turn.
type Kind string

// Turn kinds.
const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
)

// Turn is one entry in a conversation. Which fields are meaningful
// depends on Kind: user turns carry Text; assistant turns carry Text,
// Suggestions and, for plan modes, Data; tool turns carry Tool.
type Turn struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Seq         int            `json:"seq"`
	Kind        Kind           `json:"kind"`
	CreatedAt   time.Time      `json:"created_at"`
	Text        string         `json:"text,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Tool        *tools.Result  `json:"tool,omitempty"`
}

// UserTurn builds a user turn.
func UserTurn(text string) Turn {
	return Turn{Kind: KindUser, Text: text}
}

// AssistantTurn builds an assistant turn. data may be nil.
func AssistantTurn(text string, suggestions []string, data map[string]any) Turn {
	return Turn{Kind: KindAssistant, Text: text, Suggestions: suggestions, Data: data}
}

// ToolTurn builds a tool turn from an execution result.
func ToolTurn(res tools.Result) Turn {
	return Turn{Kind: KindTool, Tool: &res}
}

var errInvalidTurn = errors.New("invalid turn")

// validate checks the variant invariants.
func (t Turn) validate() error {
	switch t.Kind {
	case KindUser:
		if strings.TrimSpace(t.Text) == "" {
			return fmt.Errorf("%w: user turn without text", errInvalidTurn)
		}
	case KindAssistant:
	case KindTool:
		if t.Tool == nil {
			return fmt.Errorf("%w: tool turn without result", errInvalidTurn)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidTurn, t.Kind)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with t. Tool
// payloads are treated as immutable and shared.
func (t Turn) Clone() Turn {
	c := t
	if t.Suggestions != nil {
		c.Suggestions = append([]string(nil), t.Suggestions...)
	}
	if t.Data != nil {
		c.Data = cloneMap(t.Data)
	}
	if t.Tool != nil {
		res := *t.Tool
		c.Tool = &res
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

// Label is the display name of the turn's speaker.
func (t Turn) Label() string {
	switch t.Kind {
	case KindUser:
		return "You"
	case KindAssistant:
		return "Co-Pilot"
	case KindTool:
		if t.Tool != nil {
			return "Tool " + t.Tool.ToolName
		}
	}
	return string(t.Kind)
}

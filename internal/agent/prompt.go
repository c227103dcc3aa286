package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/schema"
)

// maxPayloadChars bounds the tool payload echoed back to the model.
const maxPayloadChars = 4000

// BuildPrompt flattens the transcript into the prompt text. Earlier
// exchanges are summarized one line per turn; tool results that follow
// the latest user message carry their payload so a later round can
// reason over the data.
func BuildPrompt(turns []conversation.Turn) string {
	last := -1
	for i, t := range turns {
		if t.Kind == conversation.KindUser {
			last = i
		}
	}
	if last < 0 {
		return ""
	}

	var sb strings.Builder
	if last > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, t := range turns[:last] {
			writeLine(&sb, t, false)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("User: ")
	sb.WriteString(turns[last].Text)
	sb.WriteString("\n")

	if rest := turns[last+1:]; len(rest) > 0 {
		sb.WriteString("\nSo far in this turn:\n")
		for _, t := range rest {
			writeLine(&sb, t, true)
		}
		sb.WriteString("\nContinue using the tool results above. Do not repeat tool calls that already succeeded.\n")
	}
	return sb.String()
}

func writeLine(sb *strings.Builder, t conversation.Turn, withPayload bool) {
	switch t.Kind {
	case conversation.KindUser:
		fmt.Fprintf(sb, "User: %s\n", t.Text)
	case conversation.KindAssistant:
		fmt.Fprintf(sb, "Assistant: %s\n", t.Text)
	case conversation.KindTool:
		if t.Tool == nil {
			return
		}
		fmt.Fprintf(sb, "Tool %s (%s): %s\n", t.Tool.ToolName, t.Tool.Status, t.Tool.Summary)
		if withPayload && t.Tool.Payload != nil {
			if b, err := json.Marshal(t.Tool.Payload); err == nil {
				s := string(b)
				if len(s) > maxPayloadChars {
					s = s[:maxPayloadChars] + "…"
				}
				fmt.Fprintf(sb, "  result: %s\n", s)
			}
		}
	}
}

// reply is the assistant part of a validated generation.
type reply struct {
	text        string
	suggestions []string
	data        map[string]any
}

func (r reply) empty() bool {
	return strings.TrimSpace(r.text) == "" && len(r.suggestions) == 0 && r.data == nil
}

func (r reply) turn() conversation.Turn {
	return conversation.AssistantTurn(r.text, r.suggestions, r.data)
}

// interpret splits validated data into the assistant reply and any tool
// calls. Plan modes surface the analysis as text and the diff as
// suggestions, keeping the whole plan as data.
func interpret(sch *schema.OutputSchema, data map[string]any) (reply, []schema.ToolRequest, error) {
	switch sch.Mode {
	case schema.ModeChat:
		c, err := schema.AsChat(data)
		if err != nil {
			return reply{}, nil, fmt.Errorf("decode chat reply: %w", err)
		}
		var calls []schema.ToolRequest
		if sch.ToolsEnabled {
			calls = c.ToolCalls
		}
		return reply{text: c.Text, suggestions: c.Suggestions}, calls, nil
	default:
		p, err := schema.AsPlan(data)
		if err != nil {
			return reply{}, nil, fmt.Errorf("decode plan: %w", err)
		}
		return reply{text: p.Analysis, suggestions: p.Diff, data: data}, nil, nil
	}
}

package conversation

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
)

// Markdown renders turns as a markdown transcript.
func Markdown(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch t.Kind {
		case KindUser:
			fmt.Fprintf(&sb, "**%s:** %s\n", t.Label(), t.Text)
		case KindAssistant:
			fmt.Fprintf(&sb, "**%s:** %s\n", t.Label(), t.Text)
			if title := planTitle(t.Data); title != "" {
				fmt.Fprintf(&sb, "\n*Plan: %s*\n", title)
			}
			if len(t.Suggestions) > 0 {
				sb.WriteString("\n")
				for _, s := range t.Suggestions {
					fmt.Fprintf(&sb, "- %s\n", s)
				}
			}
		case KindTool:
			if t.Tool != nil {
				fmt.Fprintf(&sb, "`%s` %s: %s\n", t.Tool.ToolName, t.Tool.Status, t.Tool.Summary)
			}
		}
	}
	return sb.String()
}

func planTitle(data map[string]any) string {
	spec, _ := data["spec"].(map[string]any)
	title, _ := spec["title"].(string)
	return title
}

// RenderHTML renders turns as a standalone HTML document. Raw HTML in
// turn text is not passed through.
func RenderHTML(title string, turns []Turn) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(turns)), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(title), buf.String()), nil
}

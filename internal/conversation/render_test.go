package conversation

import (
	"strings"
	"testing"

	"github.com/nugget/hubpilot/internal/tools"
)

func sampleTurns() []Turn {
	l := NewLog("s")
	l.Append(UserTurn("Audit my workflows"))
	l.Append(AssistantTurn("Found 2 ghost workflows", []string{"Disable A", "Delete B"}, nil))
	l.Append(ToolTurn(tools.Result{ToolName: "list_workflows", Status: tools.StatusSuccess, Summary: "5 items"}))
	return l.Turns()
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleTurns())
	for _, want := range []string{
		"**You:** Audit my workflows",
		"**Co-Pilot:** Found 2 ghost workflows",
		"- Disable A",
		"`list_workflows` success: 5 items",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdown_PlanTitle(t *testing.T) {
	turns := []Turn{AssistantTurn("analysis", nil, map[string]any{"spec": map[string]any{"title": "Lead scoring"}})}
	if md := Markdown(turns); !strings.Contains(md, "*Plan: Lead scoring*") {
		t.Errorf("markdown = %q", md)
	}
}

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML("Session <s>", sampleTurns())
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	for _, want := range []string{
		"<title>Session &lt;s&gt;</title>",
		"<strong>You:</strong> Audit my workflows",
		"<li>Disable A</li>",
		"<code>list_workflows</code>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestRenderHTML_DropsRawHTML(t *testing.T) {
	l := NewLog("s")
	l.Append(UserTurn("<script>alert(1)</script>"))
	out, err := RenderHTML("t", l.Turns())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<script>") {
		t.Error("raw HTML passed through")
	}
}

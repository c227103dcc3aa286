package schema

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"chat", ModeChat, false},
		{"AUDIT", ModeAudit, false},
		{" optimize ", ModeOptimize, false},
		{"", "", true},
		{"summarize", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultRegistry_OneSchemaPerMode(t *testing.T) {
	r := DefaultRegistry()
	for _, m := range Modes() {
		s, err := r.For(m)
		if err != nil {
			t.Fatalf("For(%q): %v", m, err)
		}
		if s.Mode != m {
			t.Errorf("For(%q).Mode = %q", m, s.Mode)
		}
	}
	if got := r.Modes(); !reflect.DeepEqual(got, Modes()) {
		t.Errorf("Modes() = %v, want %v", got, Modes())
	}
}

func TestRegistry_RejectsDuplicateMode(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ChatSchema()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(ChatSchema()); err == nil {
		t.Fatal("second Register for same mode should fail")
	}
}

func TestRegistry_MissingMode(t *testing.T) {
	r := NewRegistry()
	_, err := r.For(ModeAudit)
	if !errors.Is(err, ErrNoSchema) {
		t.Fatalf("For on empty registry = %v, want ErrNoSchema", err)
	}
}

func TestRegistry_RejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	bad := &OutputSchema{Mode: ModeChat, Name: "chat", Fields: []Field{
		{Name: "text", Type: TypeString},
		{Name: "text", Type: TypeString},
	}}
	if err := r.Register(bad); err == nil {
		t.Fatal("duplicate field should be rejected")
	}
	if err := r.Register(&OutputSchema{Mode: "poem", Name: "poem"}); err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}

func TestChatSchema_Decode(t *testing.T) {
	s := ChatSchema()
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"minimal", `{"text":"hi","suggestions":[]}`, false},
		{"with tool calls", `{"text":"","suggestions":["a"],"toolCalls":[{"name":"list_workflows","arguments":"{}"}]}`, false},
		{"extra field allowed", `{"text":"hi","suggestions":[],"mood":"good"}`, false},
		{"missing suggestions", `{"text":"hi"}`, true},
		{"missing text", `{"suggestions":[]}`, true},
		{"wrong type", `{"text":42,"suggestions":[]}`, true},
		{"suggestion not string", `{"text":"hi","suggestions":[1]}`, true},
		{"tool call without name", `{"text":"hi","suggestions":[],"toolCalls":[{"arguments":"{}"}]}`, true},
		{"array not object", `[{"text":"hi"}]`, true},
		{"not json", `Sure! Here is your answer.`, true},
		{"fenced json", "```json\n{\"text\":\"hi\",\"suggestions\":[]}\n```", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Decode(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanSchema_Decode(t *testing.T) {
	s := PlanSchema(ModeAudit)
	good := `{"specType":"workflow","spec":{"title":"Lead nurture","steps":["wait 2d","email"]},"analysis":"ok","diff":["+ email"]}`
	data, err := s.Decode(good)
	if err != nil {
		t.Fatalf("Decode(good): %v", err)
	}
	plan, err := AsPlan(data)
	if err != nil {
		t.Fatalf("AsPlan: %v", err)
	}
	if plan.Spec.Title != "Lead nurture" || len(plan.Diff) != 1 || len(plan.Spec.Steps) != 2 {
		t.Errorf("unexpected plan: %+v", plan)
	}

	missingTitle := `{"specType":"workflow","spec":{},"analysis":"ok","diff":[]}`
	if _, err := s.Decode(missingTitle); err == nil {
		t.Error("spec without title should fail validation")
	}
	missingDiff := `{"specType":"workflow","spec":{"title":"x"},"analysis":"ok"}`
	if _, err := s.Decode(missingDiff); err == nil {
		t.Error("plan without diff should fail validation")
	}
}

func TestAsChat(t *testing.T) {
	data, err := ChatSchema().Decode(`{"text":"Found 2","suggestions":["a","b"],"toolCalls":[{"name":"list_workflows","arguments":"{\"limit\":5}"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := AsChat(data)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Found 2" || len(reply.Suggestions) != 2 || len(reply.ToolCalls) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	args, err := reply.ToolCalls[0].DecodeArguments()
	if err != nil {
		t.Fatal(err)
	}
	if args["limit"] != float64(5) {
		t.Errorf("limit = %v, want 5", args["limit"])
	}
}

func TestToolRequest_DecodeArguments(t *testing.T) {
	args, err := ToolRequest{Name: "x"}.DecodeArguments()
	if err != nil || len(args) != 0 {
		t.Errorf("empty arguments = %v, %v", args, err)
	}
	if _, err := (ToolRequest{Name: "x", Arguments: "[1,2]"}).DecodeArguments(); err == nil {
		t.Error("array arguments should fail")
	}
}

func TestWire(t *testing.T) {
	w := ChatSchema().Wire()
	if w["type"] != "OBJECT" {
		t.Errorf("type = %v, want OBJECT", w["type"])
	}
	req, _ := w["required"].([]string)
	if !reflect.DeepEqual(req, []string{"text", "suggestions"}) {
		t.Errorf("required = %v", req)
	}
	order, _ := w["propertyOrdering"].([]string)
	if !reflect.DeepEqual(order, []string{"text", "suggestions", "toolCalls"}) {
		t.Errorf("propertyOrdering = %v", order)
	}
	props := w["properties"].(map[string]any)
	sugg := props["suggestions"].(map[string]any)
	if sugg["type"] != "ARRAY" {
		t.Errorf("suggestions type = %v", sugg["type"])
	}
	if items := sugg["items"].(map[string]any); items["type"] != "STRING" {
		t.Errorf("suggestions items type = %v", items["type"])
	}
}

func TestToolDeclaration(t *testing.T) {
	d := NewTool("list_recent_contacts", "Newest contacts").
		Param("limit", TypeInteger, "How many", false).
		Param("query", TypeString, "Filter", true).
		Build()

	if got := d.MissingRequired(map[string]any{"limit": 3}); !reflect.DeepEqual(got, []string{"query"}) {
		t.Errorf("MissingRequired = %v", got)
	}
	if err := d.ValidateArguments(map[string]any{"query": "acme", "limit": float64(3)}); err != nil {
		t.Errorf("ValidateArguments(valid) = %v", err)
	}
	if err := d.ValidateArguments(map[string]any{"query": "acme", "limit": "three"}); err == nil {
		t.Error("ValidateArguments should reject string limit")
	}
}

func TestCheckDeclarations(t *testing.T) {
	a := NewTool("a", "").Build()
	if err := CheckDeclarations([]ToolDeclaration{a, NewTool("b", "").Build()}); err != nil {
		t.Errorf("unique names: %v", err)
	}
	if err := CheckDeclarations([]ToolDeclaration{a, a}); err == nil {
		t.Error("duplicate names should fail")
	}
	if err := CheckDeclarations([]ToolDeclaration{{}}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestCatalog(t *testing.T) {
	got := Catalog([]ToolDeclaration{
		NewTool("list_workflows", "List workflows").Build(),
		NewTool("list_recent_deals", "Newest deals").Param("limit", TypeInteger, "", false).Build(),
	})
	if strings.Index(got, "list_recent_deals") > strings.Index(got, "list_workflows") {
		t.Errorf("catalog not sorted:\n%s", got)
	}
	if !strings.Contains(got, "limit (integer, optional)") {
		t.Errorf("catalog missing parameter line:\n%s", got)
	}
	if Catalog(nil) != "" {
		t.Error("empty catalog should be empty string")
	}
}

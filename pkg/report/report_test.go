package report

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/calm329/SDR-Agent/pkg/workspace"
)

func testWorkspace() *workspace.Workspace {
	ws := workspace.New(
		[]string{"company_research", "contact_discovery", "outreach_personalization"},
		time.Now().Add(time.Minute),
		map[string]string{workspace.InputQuery: "Tell me about Acme"},
	)
	ws.RunID = "run-1"
	ws.Apply("company_research", workspace.ResultDelta(workspace.NewResult("company_research", map[string]any{
		"name":           "Acme",
		"website":        "https://acme.com",
		"employee_count": 1200,
		"size":           "1,200 employees",
		"location":       "Austin, TX",
		"tech_stack":     []string{"Go", "Kubernetes"},
	}, []string{"https://acme.com", " https://news.example.com/acme "})))
	ws.Apply("contact_discovery", workspace.ResultDelta(workspace.NewResult("contact_discovery", map[string]any{
		"company":        "Acme",
		"contacts_found": 1,
	}, []string{"https://acme.com", ""})))
	ws.Apply("outreach_personalization", workspace.ResultDelta(workspace.ErrorResult("outreach_personalization",
		"no contact information available", map[string]any{
			"message":     "Could not find a contact",
			"suggestions": []string{"Name a role"},
		})))
	ws.RecordError("%s error: %s", "lead_qualification", "boom")
	return ws
}

func TestBuild(t *testing.T) {
	rep := Build(testWorkspace())
	if rep.RunID != "run-1" || rep.Query != "Tell me about Acme" {
		t.Fatalf("unexpected header %+v", rep)
	}
	if len(rep.Data) != 2 || rep.Data["company_research"]["name"] != "Acme" {
		t.Fatalf("unexpected data %v", rep.Data)
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("expected one failure, got %+v", rep.Failures)
	}
	f := rep.Failures[0]
	if f.Unit != "outreach_personalization" || f.Message != "Could not find a contact" || !slices.Equal(f.Suggestions, []string{"Name a role"}) {
		t.Fatalf("unexpected failure %+v", f)
	}
	want := []string{"https://acme.com", "https://news.example.com/acme"}
	if !slices.Equal(rep.Citations, want) {
		t.Fatalf("citations = %v, want %v", rep.Citations, want)
	}
	if len(rep.Errors) != 1 {
		t.Fatalf("errors = %v", rep.Errors)
	}
}

func TestDedupeCitations(t *testing.T) {
	got := DedupeCitations([]string{"a", " a", "", "b", "a ", "  "})
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("got %v", got)
	}
	if got := DedupeCitations(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestStructured(t *testing.T) {
	rep := Build(testWorkspace())
	out := Structured(rep, map[string]string{
		"company_name":   "string",
		"employee_count": "integer",
		"headquarters":   "string",
		"tech_stack":     "string",
		"revenue":        "number",
		"website":        "a link to the homepage",
		"contacts_found": "boolean",
	})
	cases := map[string]any{
		"company_name":   "Acme",
		"employee_count": 1200,
		"headquarters":   "Austin, TX",
		"tech_stack":     "Go, Kubernetes",
		"revenue":        nil,
		"website":        "https://acme.com",
		"contacts_found": nil,
	}
	for field, want := range cases {
		if out[field] != want {
			t.Errorf("%s = %#v, want %#v", field, out[field], want)
		}
	}
	if out["_fallback_format"] != true {
		t.Fatal("missing fallback marker")
	}
	if cites, ok := out["_citations"].([]string); !ok || len(cites) != 2 {
		t.Fatalf("citations = %#v", out["_citations"])
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		v    any
		kind string
		want any
	}{
		{"1,200", "integer", 1200},
		{"lots", "integer", nil},
		{3.5, "integer", 3},
		{"2.5", "number", 2.5},
		{"true", "boolean", true},
		{"", "string", nil},
		{42, "string", "42"},
		{map[string]any{"a": 1}, "object", map[string]any{"a": 1}},
		{"x", "object", nil},
	}
	for _, tc := range cases {
		got := coerce(tc.v, tc.kind)
		if m, ok := tc.want.(map[string]any); ok {
			if gm, ok := got.(map[string]any); !ok || gm["a"] != m["a"] {
				t.Errorf("coerce(%#v, %s) = %#v", tc.v, tc.kind, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("coerce(%#v, %s) = %#v, want %#v", tc.v, tc.kind, got, tc.want)
		}
	}
	if arr, ok := coerce("solo", "array").([]any); !ok || len(arr) != 1 {
		t.Fatalf("scalar should wrap into an array, got %#v", arr)
	}
}

func TestRenderJSON(t *testing.T) {
	rep := Build(testWorkspace())
	var buf bytes.Buffer
	if err := Render(&buf, rep, Options{Format: FormatJSON}); err != nil {
		t.Fatalf("render: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded.RunID != "run-1" || len(decoded.Failures) != 1 {
		t.Fatalf("unexpected decoded report %+v", decoded)
	}

	buf.Reset()
	if err := Render(&buf, rep, Options{Format: "JSON", Fields: map[string]string{"company_name": "string"}}); err != nil {
		t.Fatalf("render fields: %v", err)
	}
	var projected map[string]any
	if err := json.Unmarshal(buf.Bytes(), &projected); err != nil {
		t.Fatalf("decode projection: %v", err)
	}
	if projected["company_name"] != "Acme" || projected["_fallback_format"] != true {
		t.Fatalf("unexpected projection %v", projected)
	}
}

func TestRenderText(t *testing.T) {
	rep := Build(testWorkspace())
	var buf bytes.Buffer
	if err := Render(&buf, rep, Options{}); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Query: Tell me about Acme",
		"Company Research\n----------------",
		"name: Acme",
		"Incomplete:\n- Outreach Personalization: no contact information available",
		"    * Name a role",
		"Sources:\n1. https://acme.com\n2. https://news.example.com/acme",
		"Errors:\n- lead_qualification error: boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Company Research") > strings.Index(out, "Contact Discovery") {
		t.Error("sections should follow the requested unit order")
	}
}

func TestRenderTextTimedOut(t *testing.T) {
	ws := workspace.New([]string{"company_research"}, time.Now(), nil)
	ws.TimedOut = true
	var buf bytes.Buffer
	if err := Render(&buf, Build(ws), Options{Format: FormatText}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "results are partial") {
		t.Fatalf("missing timeout note:\n%s", buf.String())
	}
}

// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("run-1", []string{"company_research"})
	assertAttributes(t, attrs, map[string]any{AttrRunID: "run-1"})
	if len(attrs) != 2 {
		t.Fatalf("expected requested units attribute, got %v", attrs)
	}

	if got := RunAttributes("run-2", nil); len(got) != 1 {
		t.Fatalf("expected only the run id, got %v", got)
	}
}

func TestRunResultAttributes(t *testing.T) {
	assertAttributes(t, RunResultAttributes(3, 1, true), map[string]any{
		AttrUnitsCompleted: 3,
		AttrErrors:         1,
		AttrTimedOut:       true,
	})
}

func TestUnitAttributes(t *testing.T) {
	assertAttributes(t, UnitAttributes("lead_qualification", "failed"), map[string]any{
		AttrUnit:       "lead_qualification",
		AttrUnitStatus: "failed",
	})
	if got := UnitAttributes("x", ""); len(got) != 1 {
		t.Fatalf("empty status should be omitted, got %v", got)
	}
}

func TestCallAttributes(t *testing.T) {
	assertAttributes(t, CallAttributes("tools/call", 7), map[string]any{
		AttrRPCMethod: "tools/call",
		AttrRPCID:     7,
	})
}

func TestToolAttributesTruncatesArguments(t *testing.T) {
	args := strings.Repeat("a", 40)
	attrs := ToolAttributes("search_engine", "scrape_as_markdown", args, 10)
	assertAttributes(t, attrs, map[string]any{
		AttrToolName:     "search_engine",
		AttrToolStrategy: "scrape_as_markdown",
		AttrToolArgs:     strings.Repeat("a", 10) + "...",
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"overflow", 4, "over..."},
		{strings.Repeat("b", 300), 0, strings.Repeat("b", 256) + "..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}
	for key, want := range expected {
		attr, ok := found[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}
		var got any
		switch attr.Value.Type() {
		case attribute.STRING:
			got = attr.Value.AsString()
		case attribute.INT64:
			got = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			got = attr.Value.AsFloat64()
		case attribute.BOOL:
			got = attr.Value.AsBool()
		}
		if got != want {
			t.Errorf("attribute %s: got %v, want %v", key, got, want)
		}
	}
}

package workspace

import (
	"testing"
	"time"
)

func TestSnapshotIsIndependent(t *testing.T) {
	ws := New([]string{"a"}, time.Now().Add(time.Minute), map[string]string{"query": "acme"})
	ws.Apply("a", ResultDelta(NewResult("a", map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{"x"},
	}, []string{"https://a.example"})))

	snap := ws.Snapshot()
	snap.Results["a"].Payload["nested"].(map[string]any)["k"] = "changed"
	snap.Results["a"].Payload["list"].([]any)[0] = "y"
	snap.Citations[0] = "mutated"
	snap.Inputs["query"] = "other"
	snap.MarkCompleted("b")

	orig := ws.Results["a"].Payload
	if orig["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested payload leaked into original")
	}
	if orig["list"].([]any)[0] != "x" {
		t.Fatalf("slice payload leaked into original")
	}
	if ws.Citations[0] != "https://a.example" {
		t.Fatalf("citations leaked into original")
	}
	if ws.Input("query") != "acme" {
		t.Fatalf("inputs leaked into original")
	}
	if ws.IsCompleted("b") {
		t.Fatalf("completed set leaked into original")
	}
}

func TestApplyMergesDelta(t *testing.T) {
	ws := New([]string{"a", "b"}, time.Time{}, nil)
	res := ErrorResult("", "no data", map[string]any{"partial": true})
	ws.Apply("a", Delta{Result: &res, Citations: []string{"c1"}, Errors: []string{"a: degraded"}})
	ws.Apply("b", Delta{})
	ws.Apply("b", Delta{})

	got, ok := ws.Result("a")
	if !ok {
		t.Fatalf("expected result for a")
	}
	if got.Name != "a" || !got.Failed() || got.Payload["partial"] != true {
		t.Fatalf("unexpected merged result: %+v", got)
	}
	if _, ok := ws.Result("b"); ok {
		t.Fatalf("empty delta must not create a result")
	}
	if len(ws.CompletedUnits) != 2 {
		t.Fatalf("expected 2 completed units, got %v", ws.CompletedUnits)
	}
	if len(ws.Citations) != 1 || len(ws.Errors) != 1 {
		t.Fatalf("unexpected citations/errors: %v %v", ws.Citations, ws.Errors)
	}
}

func TestDeadlineHelpers(t *testing.T) {
	now := time.Now()
	ws := New(nil, now.Add(-time.Second), nil)
	if !ws.Expired(now) {
		t.Fatalf("expected expired workspace")
	}
	if ws.Remaining(now) > 0 {
		t.Fatalf("expected non-positive remaining time")
	}

	open := New(nil, time.Time{}, nil)
	if open.Expired(now) {
		t.Fatalf("zero deadline never expires")
	}
	if open.Remaining(now) < time.Hour {
		t.Fatalf("zero deadline should leave ample time")
	}
}

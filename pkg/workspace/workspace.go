// Package workspace holds the per-request accumulator threaded through every
// work unit. Units never mutate a live Workspace: they read a Snapshot and
// return a Delta that only the executor applies.
package workspace

import (
	"fmt"
	"slices"
	"time"
)

// Request input keys.
const (
	InputQuery   = "query"
	InputCompany = "company"
	InputRole    = "role"
)

// Result is the uniform output contract of a work unit. Payload may carry
// partial data even when Error is set.
type Result struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Citations []string       `json:"citations"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// NewResult builds a successful result stamped with the current time.
func NewResult(name string, payload map[string]any, citations []string) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{
		Name:      name,
		Payload:   payload,
		Citations: append([]string(nil), citations...),
		Timestamp: time.Now().UTC(),
	}
}

// ErrorResult builds an error-flagged result. Payload is optional.
func ErrorResult(name, message string, payload map[string]any) Result {
	res := NewResult(name, payload, nil)
	res.Error = message
	return res
}

// Failed reports whether the result is error-flagged.
func (r Result) Failed() bool {
	return r.Error != ""
}

func (r Result) clone() Result {
	out := r
	out.Payload = clonePayload(r.Payload)
	out.Citations = slices.Clone(r.Citations)
	return out
}

// Delta is what a unit hands back to the executor.
type Delta struct {
	// Result is stored under the unit's own name. Nil leaves no entry.
	Result *Result
	// Citations and Errors are appended to the workspace in order.
	Citations []string
	Errors    []string
}

// ResultDelta wraps a result into a delta that also appends its citations.
func ResultDelta(res Result) Delta {
	return Delta{Result: &res, Citations: slices.Clone(res.Citations)}
}

// Workspace is the executor-owned record for one top-level request.
type Workspace struct {
	RunID string `json:"run_id,omitempty"`

	// Inputs carries request-level parameters (query, company, role...).
	// Read-only after creation.
	Inputs         map[string]string `json:"inputs,omitempty"`
	Requested      []string          `json:"requested"`
	CompletedUnits []string          `json:"completed"`
	Results        map[string]Result `json:"results"`
	Citations      []string          `json:"citations"`
	Errors         []string          `json:"errors"`
	Deadline       time.Time         `json:"deadline"`
	TimedOut       bool              `json:"timed_out"`
}

// New creates an empty workspace for the requested units.
func New(requested []string, deadline time.Time, inputs map[string]string) *Workspace {
	in := make(map[string]string, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &Workspace{
		Inputs:    in,
		Requested: slices.Clone(requested),
		Results:   make(map[string]Result),
		Deadline:  deadline,
	}
}

// Input returns a request input or "".
func (w *Workspace) Input(key string) string {
	if w == nil || w.Inputs == nil {
		return ""
	}
	return w.Inputs[key]
}

// IsCompleted reports whether the unit has settled (successfully or not).
func (w *Workspace) IsCompleted(name string) bool {
	return slices.Contains(w.CompletedUnits, name)
}

// CompletedSet returns the completed units as a set.
func (w *Workspace) CompletedSet() map[string]bool {
	out := make(map[string]bool, len(w.CompletedUnits))
	for _, name := range w.CompletedUnits {
		out[name] = true
	}
	return out
}

// MarkCompleted adds name to the completed set. The set never shrinks.
func (w *Workspace) MarkCompleted(name string) {
	if !w.IsCompleted(name) {
		w.CompletedUnits = append(w.CompletedUnits, name)
	}
}

// Result returns the stored result for a unit.
func (w *Workspace) Result(name string) (Result, bool) {
	res, ok := w.Results[name]
	return res, ok
}

// RecordError appends a human-readable error message.
func (w *Workspace) RecordError(format string, args ...any) {
	w.Errors = append(w.Errors, fmt.Sprintf(format, args...))
}

// Remaining returns the time left before the deadline. A zero deadline means
// no deadline and yields a very large duration.
func (w *Workspace) Remaining(now time.Time) time.Duration {
	if w.Deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return w.Deadline.Sub(now)
}

// Expired reports whether now is at or past the deadline.
func (w *Workspace) Expired(now time.Time) bool {
	return !w.Deadline.IsZero() && !now.Before(w.Deadline)
}

// Apply merges a unit's delta and marks the unit completed.
func (w *Workspace) Apply(name string, delta Delta) {
	if delta.Result != nil {
		res := delta.Result.clone()
		if res.Name == "" {
			res.Name = name
		}
		w.Results[name] = res
	}
	w.Citations = append(w.Citations, delta.Citations...)
	w.Errors = append(w.Errors, delta.Errors...)
	w.MarkCompleted(name)
}

// Snapshot returns an independent deep copy safe to hand to a unit goroutine.
func (w *Workspace) Snapshot() *Workspace {
	out := &Workspace{
		RunID:          w.RunID,
		Inputs:         make(map[string]string, len(w.Inputs)),
		Requested:      slices.Clone(w.Requested),
		CompletedUnits: slices.Clone(w.CompletedUnits),
		Results:        make(map[string]Result, len(w.Results)),
		Citations:      slices.Clone(w.Citations),
		Errors:         slices.Clone(w.Errors),
		Deadline:       w.Deadline,
		TimedOut:       w.TimedOut,
	}
	for k, v := range w.Inputs {
		out.Inputs[k] = v
	}
	for k, v := range w.Results {
		out.Results[k] = v.clone()
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return clonePayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(typed)
	case []map[string]any:
		out := make([]map[string]any, len(typed))
		for i, item := range typed {
			out[i] = clonePayload(item)
		}
		return out
	default:
		return v
	}
}

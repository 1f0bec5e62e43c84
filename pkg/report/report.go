// Package report compiles a finished workspace into the answer handed back to
// the caller, as JSON or plain text.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// UnitFailure describes a unit that returned an error-flagged result.
type UnitFailure struct {
	Unit        string   `json:"unit" yaml:"unit"`
	Error       string   `json:"error" yaml:"error"`
	Message     string   `json:"message,omitempty" yaml:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

// Report is the compiled outcome of one request.
type Report struct {
	RunID     string                    `json:"run_id,omitempty"`
	Query     string                    `json:"query"`
	Units     []string                  `json:"units"`
	Data      map[string]map[string]any `json:"data"`
	Failures  []UnitFailure             `json:"failures,omitempty"`
	Citations []string                  `json:"citations"`
	Errors    []string                  `json:"errors,omitempty"`
	TimedOut  bool                      `json:"timed_out,omitempty"`
}

// Options selects the rendering. Fields maps output keys to the type each
// should carry (string, integer, number, boolean, array, object) or to a
// free-form description, in which case values are kept as found.
type Options struct {
	Format string
	Fields map[string]string
}

// Build compiles ws. Successful results land in Data and error-flagged ones
// in Failures, both in the order the units were requested.
func Build(ws *workspace.Workspace) *Report {
	rep := &Report{
		RunID:     ws.RunID,
		Query:     ws.Input(workspace.InputQuery),
		Units:     slices.Clone(ws.Requested),
		Data:      make(map[string]map[string]any),
		Citations: DedupeCitations(ws.Citations),
		Errors:    slices.Clone(ws.Errors),
		TimedOut:  ws.TimedOut,
	}
	for _, name := range resultOrder(ws) {
		res := ws.Results[name]
		if !res.Failed() {
			rep.Data[name] = res.Payload
			continue
		}
		f := UnitFailure{Unit: name, Error: res.Error}
		if msg, ok := res.Payload["message"].(string); ok {
			f.Message = msg
		}
		switch s := res.Payload["suggestions"].(type) {
		case []string:
			f.Suggestions = s
		case []any:
			for _, v := range s {
				f.Suggestions = append(f.Suggestions, fmt.Sprint(v))
			}
		}
		rep.Failures = append(rep.Failures, f)
	}
	return rep
}

// resultOrder lists requested units that produced a result, followed by any
// other result names in sorted order.
func resultOrder(ws *workspace.Workspace) []string {
	var out []string
	seen := map[string]bool{}
	for _, name := range ws.Requested {
		if _, ok := ws.Results[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range ws.Results {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// DedupeCitations trims citations, drops blanks and keeps the first
// occurrence of each.
func DedupeCitations(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// fieldAliases lists where common SDR fields live in unit payloads.
var fieldAliases = map[string][]string{
	"company_name":   {"name", "company", "company_name", "organization"},
	"industry":       {"industry", "sector", "vertical", "business_type"},
	"headquarters":   {"headquarters", "hq", "location", "address", "office"},
	"employee_count": {"employee_count", "employees", "size", "company_size", "headcount"},
	"key_products":   {"products", "services", "offerings", "solutions", "key_products"},
	"revenue":        {"revenue", "annual_revenue", "income"},
	"website":        {"website", "url", "domain", "web"},
	"founded":        {"founded", "established", "year_founded"},
	"description":    {"description", "about", "overview", "summary"},
}

// Structured projects rep onto the requested fields. Missing or
// unconvertible values are nil. The result also carries the citations and a
// marker that it was assembled from unit payloads.
func Structured(rep *Report, fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for field, kind := range fields {
		v, ok := lookupField(rep, field)
		if !ok {
			out[field] = nil
			continue
		}
		out[field] = coerce(v, kind)
	}
	out["_citations"] = rep.Citations
	out["_fallback_format"] = true
	return out
}

func lookupField(rep *Report, field string) (any, bool) {
	lower := strings.ToLower(field)
	candidates, ok := fieldAliases[lower]
	if !ok {
		candidates = []string{lower}
	}
	for _, unit := range reportOrder(rep) {
		payload := rep.Data[unit]
		for _, c := range candidates {
			if v, ok := payload[c]; ok {
				return v, true
			}
			for k, v := range payload {
				if strings.EqualFold(k, c) {
					return v, true
				}
			}
		}
	}
	if p, ok := rep.Data[field]; ok {
		return p, true
	}
	variations := []string{lower, strings.ReplaceAll(lower, "_", ""), strings.ReplaceAll(lower, "_", " ")}
	for _, unit := range reportOrder(rep) {
		if slices.Contains(variations, strings.ToLower(unit)) {
			return rep.Data[unit], true
		}
	}
	return nil, false
}

func reportOrder(rep *Report) []string {
	out := make([]string, 0, len(rep.Data))
	for _, u := range rep.Units {
		if _, ok := rep.Data[u]; ok {
			out = append(out, u)
		}
	}
	var rest []string
	for u := range rep.Data {
		if !slices.Contains(out, u) {
			rest = append(rest, u)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func coerce(v any, kind string) any {
	if v == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "string":
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case []string:
			s = strings.Join(t, ", ")
		case []any:
			parts := make([]string, len(t))
			for i, p := range t {
				parts[i] = fmt.Sprint(p)
			}
			s = strings.Join(parts, ", ")
		default:
			s = fmt.Sprint(t)
		}
		if s == "" {
			return nil
		}
		return s
	case "integer":
		switch t := v.(type) {
		case int:
			return t
		case int64:
			return int(t)
		case float64:
			return int(t)
		case string:
			n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(t), ",", ""))
			if err != nil {
				return nil
			}
			return n
		}
		return nil
	case "number":
		switch t := v.(type) {
		case int:
			return float64(t)
		case int64:
			return float64(t)
		case float64:
			return t
		case string:
			f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
			if err != nil {
				return nil
			}
			return f
		}
		return nil
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil
			}
			return b
		}
		return nil
	case "array":
		switch t := v.(type) {
		case []any, []string, []map[string]any:
			return t
		}
		return []any{v}
	case "object":
		if m, ok := v.(map[string]any); ok {
			return m
		}
		return nil
	default:
		return v
	}
}

// Render writes rep to w. JSON output is indented; with Fields set it is the
// Structured projection. Anything other than "json" renders as text.
func Render(w io.Writer, rep *Report, opts Options) error {
	if strings.EqualFold(opts.Format, FormatJSON) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		var v any = rep
		if len(opts.Fields) > 0 {
			v = Structured(rep, opts.Fields)
		}
		if err := enc.Encode(v); err != nil {
			return sdrerrors.New(sdrerrors.CodeInternal, "encode report", err)
		}
		return nil
	}
	return renderText(w, rep, opts.Fields)
}

func renderText(w io.Writer, rep *Report, fields map[string]string) error {
	var b strings.Builder
	if rep.Query != "" {
		fmt.Fprintf(&b, "Query: %s\n", rep.Query)
	}
	if rep.TimedOut {
		b.WriteString("Note: the request hit its deadline; results are partial.\n")
	}

	if len(fields) > 0 {
		s := Structured(rep, fields)
		delete(s, "_citations")
		delete(s, "_fallback_format")
		if err := writeYAML(&b, s, ""); err != nil {
			return err
		}
	} else {
		for _, unit := range reportOrder(rep) {
			fmt.Fprintf(&b, "\n%s\n%s\n", heading(unit), strings.Repeat("-", len(heading(unit))))
			if err := writeYAML(&b, rep.Data[unit], ""); err != nil {
				return err
			}
		}
	}

	if len(rep.Failures) > 0 {
		b.WriteString("\nIncomplete:\n")
		for _, f := range rep.Failures {
			fmt.Fprintf(&b, "- %s: %s\n", heading(f.Unit), f.Error)
			for _, s := range f.Suggestions {
				fmt.Fprintf(&b, "    * %s\n", s)
			}
		}
	}
	if len(rep.Citations) > 0 {
		b.WriteString("\nSources:\n")
		for i, c := range rep.Citations {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}
	if len(rep.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, e := range rep.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return sdrerrors.New(sdrerrors.CodeInternal, "write report", err)
	}
	return nil
}

func writeYAML(b *strings.Builder, v map[string]any, indent string) error {
	if len(v) == 0 {
		b.WriteString(indent + "(no data)\n")
		return nil
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return sdrerrors.New(sdrerrors.CodeInternal, "render report section", err)
	}
	b.Write(out)
	return nil
}

// heading turns a unit name like "company_research" into "Company Research".
func heading(unit string) string {
	words := strings.Split(unit, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

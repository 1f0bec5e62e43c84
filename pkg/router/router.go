// Package router turns a free-text SDR request into the set of work units to
// run, the target company and role, and the requested output format.
package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/units"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// OutputFormat is the rendering requested alongside a query. Fields maps
// output keys to a description of what they should hold.
type OutputFormat struct {
	Format string            `json:"format"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Request is a routed query.
type Request struct {
	Raw     string        `json:"raw"`
	Task    string        `json:"task"`
	Format  *OutputFormat `json:"format,omitempty"`
	Units   []string      `json:"units"`
	Company string        `json:"company,omitempty"`
	Role    string        `json:"role,omitempty"`
}

// Inputs returns the workspace inputs for the request.
func (r Request) Inputs() map[string]string {
	in := map[string]string{workspace.InputQuery: r.Task}
	if r.Company != "" {
		in[workspace.InputCompany] = r.Company
	}
	if r.Role != "" {
		in[workspace.InputRole] = r.Role
	}
	return in
}

// order is the canonical unit order used for Request.Units.
var order = []string{
	units.CompanyResearch,
	units.ContactDiscovery,
	units.LeadQualification,
	units.OutreachPersonalization,
}

var triggers = map[string][]string{
	units.CompanyResearch: {
		"company", "about", "tell me about", "what does",
		"company summary", "describe", "overview",
	},
	units.ContactDiscovery: {
		"find", "who is", "contact", "email", "decision maker",
		"head of", "vp of", "director", "manager", "ceo", "cto",
	},
	units.LeadQualification: {
		"qualify", "good fit", "hiring", "buying signals",
		"job posting", "opportunities", "pain points",
	},
	units.OutreachPersonalization: {
		"personalize", "hook", "reach out", "approach",
		"outreach", "personalization", "tailor",
	},
}

var dependencies = planner.DependencyTable{
	units.OutreachPersonalization: {units.CompanyResearch, units.ContactDiscovery},
	units.LeadQualification:       {units.CompanyResearch},
}

// Dependencies returns a copy of the SDR dependency table.
func Dependencies() planner.DependencyTable {
	return dependencies.Clone()
}

// Route parses raw and decides which units to run.
func Route(raw string) Request {
	task, format, hints := parseInput(raw)
	req := Request{
		Raw:     raw,
		Task:    task,
		Format:  format,
		Units:   IdentifyUnits(task),
		Company: hints.company,
		Role:    hints.role,
	}
	if req.Company == "" {
		req.Company = ExtractCompany(task)
	}
	if req.Role == "" {
		req.Role = ExtractRole(task)
	}
	return req
}

// IdentifyUnits matches trigger phrases in task. With no match it falls back
// to company research. A request touching both company research and contact
// discovery is a full SDR workflow and also gets qualification and
// personalization. Dependencies of every chosen unit are included.
func IdentifyUnits(task string) []string {
	lower := strings.ToLower(task)
	set := map[string]bool{}
	for unit, words := range triggers {
		for _, w := range words {
			if strings.Contains(lower, w) {
				set[unit] = true
				break
			}
		}
	}
	if len(set) == 0 {
		set[units.CompanyResearch] = true
	}
	if set[units.CompanyResearch] && set[units.ContactDiscovery] {
		set[units.LeadQualification] = true
		set[units.OutreachPersonalization] = true
	}
	for unit := range set {
		for _, dep := range dependencies[unit] {
			set[dep] = true
		}
	}
	out := make([]string, 0, len(set))
	for _, unit := range order {
		if set[unit] {
			out = append(out, unit)
		}
	}
	return out
}

type inputHints struct {
	company string
	role    string
}

type structuredInput struct {
	Query   string         `json:"query"`
	Format  *string        `json:"format"`
	Fields  map[string]any `json:"fields"`
	Company string         `json:"company"`
	Role    string         `json:"role"`
}

var inlineSpec = regexp.MustCompile(`\{[\s\S]*"format"[\s\S]*\}`)

// ParseInput separates the task from an optional output format. raw may be
// a JSON object carrying "query" with optional "format" and "fields", or
// free text with an inline JSON format spec. Anything else is plain text.
func ParseInput(raw string) (string, *OutputFormat) {
	task, format, _ := parseInput(raw)
	return task, format
}

// parseInput also returns the company and role a JSON request names.
func parseInput(raw string) (string, *OutputFormat, inputHints) {
	trimmed := strings.TrimSpace(raw)

	var in structuredInput
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &in) == nil {
		task := in.Query
		if task == "" {
			task = trimmed
		}
		hints := inputHints{company: strings.TrimSpace(in.Company), role: strings.TrimSpace(in.Role)}
		if in.Format == nil && in.Fields == nil {
			return task, nil, hints
		}
		return task, newFormat(in.Format, in.Fields), hints
	}

	if m := inlineSpec.FindString(raw); m != "" {
		var spec structuredInput
		if err := json.Unmarshal([]byte(m), &spec); err == nil {
			task := strings.TrimSpace(strings.Replace(raw, m, "", 1))
			return task, newFormat(spec.Format, spec.Fields), inputHints{}
		}
	}
	return trimmed, nil, inputHints{}
}

func newFormat(format *string, fields map[string]any) *OutputFormat {
	out := &OutputFormat{Format: FormatJSON}
	if format != nil && strings.EqualFold(strings.TrimSpace(*format), FormatText) {
		out.Format = FormatText
	}
	if len(fields) > 0 {
		out.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			switch s := v.(type) {
			case string:
				out.Fields[k] = s
			default:
				b, _ := json.Marshal(v)
				out.Fields[k] = string(b)
			}
		}
	}
	return out
}

// ExtractRole maps role phrases in task to the title searched for. It
// returns "" when no role is named.
func ExtractRole(task string) string {
	q := strings.ToLower(task)
	switch {
	case strings.Contains(q, "vp of engineering") || strings.Contains(q, "vp engineering") ||
		(strings.Contains(q, "vice president") && strings.Contains(q, "engineering")):
		return "VP of Engineering"
	case containsWord(q, "cto") || strings.Contains(q, "chief technology officer"):
		return "CTO"
	case containsWord(q, "ceo") || strings.Contains(q, "chief executive officer"):
		return "CEO"
	case containsWord(q, "vp") && strings.Contains(q, "product"):
		return "VP of Product"
	case strings.Contains(q, "director") && strings.Contains(q, "engineering"):
		return "Director of Engineering"
	case strings.Contains(q, "head of "):
		return headOf(task)
	default:
		return ""
	}
}

var headOfPattern = regexp.MustCompile(`(?i)\bhead of ([a-z]+(?: [a-z]+)?)`)

func headOf(task string) string {
	m := headOfPattern.FindStringSubmatch(task)
	if m == nil {
		return ""
	}
	words := strings.Fields(m[1])
	// "head of sales at Acme" keeps only "sales".
	if len(words) == 2 && isConnector(strings.ToLower(words[1])) {
		words = words[:1]
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return "Head of " + strings.Join(words, " ")
}

var (
	companyAfter = regexp.MustCompile(`\b(?:[Aa]t|[Aa]bout|[Ff]or|[Ff]rom|[Oo]f|[Oo]n|[Rr]esearch|[Qq]ualify|[Tt]arget|[Ii]nto)\s+([A-Z][\w&.'-]*(?:\s+[A-Z][\w&.'-]*){0,3})`)
	quoted       = regexp.MustCompile(`"([^"]{2,60})"`)
	capitalized  = regexp.MustCompile(`[A-Z][\w&.'-]*(?:\s+[A-Z][\w&.'-]*)*`)
)

// notCompany holds capitalized words that name roles, request verbs or
// pronouns rather than a company.
var notCompany = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`vp vice president cto ceo cfo coo cpo chief officer head director manager
		engineering product sales marketing operations devops ci/cd ai it hr
		tell find research qualify who what give get please personalize describe write draft
		create help show do does is can could would should reach outreach email contact
		the a an i me my our we us you your their and or also then
		linkedin google`) {
		notCompany[w] = true
	}
}

// ExtractCompany guesses the target company: a quoted name first, then a
// capitalized name after a preposition or request verb, then the first
// capitalized run that is not a role or verb.
func ExtractCompany(task string) string {
	if m := quoted.FindStringSubmatch(task); m != nil {
		if name := cleanCompany(m[1]); name != "" {
			return name
		}
	}
	for _, m := range companyAfter.FindAllStringSubmatch(task, -1) {
		if name := cleanCompany(m[1]); name != "" {
			return name
		}
	}
	for _, m := range capitalized.FindAllString(task, -1) {
		if name := cleanCompany(m); name != "" {
			return name
		}
	}
	return ""
}

// cleanCompany drops leading and trailing role or filler words and trailing
// punctuation. It returns "" when nothing is left.
func cleanCompany(name string) string {
	words := strings.Fields(name)
	for len(words) > 0 && notCompany[normalizeWord(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && notCompany[normalizeWord(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	out := strings.TrimRight(strings.Join(words, " "), ".,;:!?'")
	out = strings.TrimSuffix(out, "'s")
	return out
}

func normalizeWord(w string) string {
	w = strings.ToLower(strings.TrimRight(w, ".,;:!?"))
	return strings.TrimSuffix(w, "'s")
}

func isConnector(w string) bool {
	return slices.Contains([]string{"at", "for", "in", "of", "from", "and", "with"}, w)
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// String renders the request for logs.
func (r Request) String() string {
	format := FormatText
	if r.Format != nil {
		format = r.Format.Format
	}
	return fmt.Sprintf("units=%v company=%q role=%q format=%s", r.Units, r.Company, r.Role, format)
}

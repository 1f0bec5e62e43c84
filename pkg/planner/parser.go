package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DependencyFile is the on-disk form of a dependency table.
type DependencyFile struct {
	// Units optionally lists every known unit, including ones without
	// dependencies. When empty, the table's own names are used.
	Units        []string        `json:"units,omitempty" yaml:"units,omitempty"`
	Dependencies DependencyTable `json:"dependencies" yaml:"dependencies"`
}

// KnownUnits returns Units or, when empty, every unit named by the table.
func (f *DependencyFile) KnownUnits() []string {
	if len(f.Units) > 0 {
		return append([]string(nil), f.Units...)
	}
	return f.Dependencies.Units()
}

// ParseDependenciesJSON loads a dependency file from JSON and validates it.
func ParseDependenciesJSON(data []byte) (*DependencyFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var file DependencyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse json dependencies: %w", err)
	}
	return validated(&file)
}

// ParseDependenciesYAML loads a dependency file from YAML and validates it.
func ParseDependenciesYAML(data []byte) (*DependencyFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var file DependencyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml dependencies: %w", err)
	}
	return validated(&file)
}

func validated(file *DependencyFile) (*DependencyFile, error) {
	if file.Dependencies == nil {
		file.Dependencies = DependencyTable{}
	}
	if err := file.Dependencies.Validate(file.Units...); err != nil {
		return nil, err
	}
	return file, nil
}

// MarshalJSON serializes a plan to JSON. Use pretty for indented output.
func MarshalJSON(plan *Plan, pretty bool) ([]byte, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	if pretty {
		return json.MarshalIndent(plan, "", "  ")
	}
	return json.Marshal(plan)
}

// MarshalYAML serializes a plan to YAML.
func MarshalYAML(plan *Plan) ([]byte, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	return yaml.Marshal(plan)
}

// DecodePlan converts any historical plan shape into a Plan:
//
//	{"phases": [["a","b"], ["c"]]}
//	{"phases": [{"agents": ["a","b"]}, {"agents": ["c"]}]}
//	{"phase_1": {"parallel": [...], "sequential": [...]}, "phase_2": {...}}
//	{"parallel": [...], "sequential": [...]}
//
// Sequential units become single-unit phases after their phase's parallel
// set. JSON input is accepted since it parses as YAML.
func DecodePlan(data []byte) (*Plan, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty plan payload")
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("plan must be a mapping")
	}

	plan := &Plan{}
	switch {
	case raw["phases"] != nil:
		items, ok := raw["phases"].([]any)
		if !ok {
			return nil, fmt.Errorf("phases must be a list")
		}
		for i, item := range items {
			var names []string
			switch typed := item.(type) {
			case []any:
				names = toStrings(typed)
			case map[string]any:
				list, _ := typed["agents"].([]any)
				if list == nil {
					list, _ = typed["units"].([]any)
				}
				names = toStrings(list)
			default:
				return nil, fmt.Errorf("phase %d has unsupported shape", i)
			}
			plan.appendPhase(names)
		}
	case hasLegacyPhaseKeys(raw):
		for _, key := range legacyPhaseKeys(raw) {
			section, ok := raw[key].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a mapping", key)
			}
			plan.appendSection(section)
		}
	default:
		plan.appendSection(raw)
	}
	return plan, nil
}

func (p *Plan) appendSection(section map[string]any) {
	parallel, _ := section["parallel"].([]any)
	p.appendPhase(toStrings(parallel))
	sequential, _ := section["sequential"].([]any)
	for _, name := range toStrings(sequential) {
		p.appendPhase([]string{name})
	}
}

func (p *Plan) appendPhase(names []string) {
	seen := make(map[string]bool)
	for _, existing := range p.Units() {
		seen[existing] = true
	}
	var phase Phase
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		phase = append(phase, name)
	}
	if len(phase) == 0 {
		return
	}
	sort.Strings(phase)
	p.Phases = append(p.Phases, phase)
}

func hasLegacyPhaseKeys(raw map[string]any) bool {
	return len(legacyPhaseKeys(raw)) > 0
}

// legacyPhaseKeys returns phase_N keys ordered by N.
func legacyPhaseKeys(raw map[string]any) []string {
	type entry struct {
		key string
		n   int
	}
	var entries []entry
	for key := range raw {
		suffix, ok := strings.CutPrefix(key, "phase_")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: key, n: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

func toStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

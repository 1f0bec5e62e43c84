package planner

import (
	"fmt"
	"sort"
	"strings"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// Phase is a set of units that may run concurrently. Members are kept sorted
// so plans print deterministically; order inside a phase carries no meaning.
type Phase []string

// Contains reports whether unit belongs to the phase.
func (p Phase) Contains(unit string) bool {
	for _, name := range p {
		if name == unit {
			return true
		}
	}
	return false
}

// Plan is the ordered list of phases. Every dependency of a unit in phase i
// appears in some phase j < i.
type Plan struct {
	Phases []Phase `json:"phases" yaml:"phases"`
}

// Units returns every unit of the plan in phase order.
func (p *Plan) Units() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, phase := range p.Phases {
		out = append(out, phase...)
	}
	return out
}

// PhaseOf returns the index of the phase containing unit, or -1.
func (p *Plan) PhaseOf(unit string) int {
	if p == nil {
		return -1
	}
	for i, phase := range p.Phases {
		if phase.Contains(unit) {
			return i
		}
	}
	return -1
}

// String renders the plan as "[a b] -> [c]".
func (p *Plan) String() string {
	if p == nil || len(p.Phases) == 0 {
		return "[]"
	}
	parts := make([]string, len(p.Phases))
	for i, phase := range p.Phases {
		parts[i] = "[" + strings.Join(phase, " ") + "]"
	}
	return strings.Join(parts, " -> ")
}

// Validate checks the phase-ordering invariant against deps. Dependencies that
// are not part of the plan are ignored, matching how legacy plans listed only
// the requested units.
func (p *Plan) Validate(deps DependencyTable) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	position := make(map[string]int)
	for i, phase := range p.Phases {
		for _, unit := range phase {
			if unit == "" {
				return fmt.Errorf("phase %d contains an empty unit name", i)
			}
			if prev, dup := position[unit]; dup {
				return fmt.Errorf("unit %q appears in phases %d and %d", unit, prev, i)
			}
			position[unit] = i
		}
	}
	for unit, idx := range position {
		for _, dep := range deps.Dependencies(unit) {
			depIdx, ok := position[dep]
			if !ok {
				continue
			}
			if depIdx >= idx {
				return planningError(unit, fmt.Sprintf("dependency %q is not in an earlier phase", dep))
			}
		}
	}
	return nil
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	known map[string]bool
}

// WithKnownUnits restricts planning to the named units. Requested units or
// dependencies outside this set fail planning.
func WithKnownUnits(names ...string) BuildOption {
	return func(o *buildOptions) {
		if o.known == nil {
			o.known = make(map[string]bool, len(names))
		}
		for _, name := range names {
			o.known[name] = true
		}
	}
}

// Build expands requested with its transitive dependencies and assigns the
// result to phases greedily. A unit whose dependencies can never all be
// satisfied fails planning with a PLANNING_ERROR naming it.
//
// Without WithKnownUnits the table is the whole universe: any name it
// mentions, as a key or as a dependency, is a unit, and a dependency with no
// entry of its own is a leaf planned in phase 0. Pass WithKnownUnits to
// reject requested units and dependencies outside a registry.
func Build(requested []string, deps DependencyTable, opts ...BuildOption) (*Plan, error) {
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	closure, err := expand(requested, deps, options.known)
	if err != nil {
		return nil, err
	}

	assigned := make(map[string]bool, len(closure))
	plan := &Plan{}
	for len(assigned) < len(closure) {
		var phase Phase
		for _, unit := range sortedKeys(closure) {
			if assigned[unit] {
				continue
			}
			ready := true
			for _, dep := range deps.Dependencies(unit) {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, unit)
			}
		}
		if len(phase) == 0 {
			return nil, planningError(firstUnassigned(closure, assigned), "dependencies can never be satisfied (cycle detected)")
		}
		// Mark after the scan so units in the same pass never satisfy each other.
		for _, unit := range phase {
			assigned[unit] = true
		}
		plan.Phases = append(plan.Phases, phase)
	}
	return plan, nil
}

// NextRunnable returns the units of the first phase that still has
// uncompleted work, excluding completed units. It returns nil once the plan
// is exhausted.
func NextRunnable(plan *Plan, completed map[string]bool) []string {
	if plan == nil {
		return nil
	}
	for _, phase := range plan.Phases {
		var pending []string
		for _, unit := range phase {
			if !completed[unit] {
				pending = append(pending, unit)
			}
		}
		if len(pending) > 0 {
			return pending
		}
	}
	return nil
}

func expand(requested []string, deps DependencyTable, known map[string]bool) (map[string]bool, error) {
	closure := make(map[string]bool)
	stack := make([]string, 0, len(requested))
	for _, unit := range requested {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		if known != nil && !known[unit] {
			return nil, planningError(unit, "unknown unit")
		}
		stack = append(stack, unit)
	}
	for len(stack) > 0 {
		unit := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[unit] {
			continue
		}
		closure[unit] = true
		for _, dep := range deps.Dependencies(unit) {
			if known != nil && !known[dep] {
				return nil, planningError(unit, fmt.Sprintf("unknown dependency %q", dep))
			}
			if !closure[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return closure, nil
}

func firstUnassigned(closure, assigned map[string]bool) string {
	var pending []string
	for unit := range closure {
		if !assigned[unit] {
			pending = append(pending, unit)
		}
	}
	sort.Strings(pending)
	if len(pending) == 0 {
		return ""
	}
	return pending[0]
}

func planningError(unit, reason string) error {
	return sdrerrors.New(sdrerrors.CodePlanning, fmt.Sprintf("unit %q: %s", unit, reason), nil).
		WithContext("unit", unit)
}

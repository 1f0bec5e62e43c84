package planner

import (
	"fmt"
	"sort"
)

// DependencyTable maps a unit name to the units that must complete first.
// Units without dependencies may be absent. Treat as read-only once built.
type DependencyTable map[string][]string

// Dependencies returns the sorted, de-duplicated dependencies of unit.
func (d DependencyTable) Dependencies(unit string) []string {
	deps := d[unit]
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Units returns every name mentioned by the table, sorted.
func (d DependencyTable) Units() []string {
	set := make(map[string]bool)
	for unit, deps := range d {
		set[unit] = true
		for _, dep := range deps {
			if dep != "" {
				set[dep] = true
			}
		}
	}
	return sortedKeys(set)
}

// Clone returns a deep copy of the table.
func (d DependencyTable) Clone() DependencyTable {
	out := make(DependencyTable, len(d))
	for unit, deps := range d {
		out[unit] = append([]string(nil), deps...)
	}
	return out
}

// Validate checks that every unit and dependency is known. An empty known
// list accepts any name. Cycles are reported by Build.
func (d DependencyTable) Validate(known ...string) error {
	for unit, deps := range d {
		if unit == "" {
			return fmt.Errorf("dependency table has an empty unit name")
		}
		for _, dep := range deps {
			if dep == "" {
				return fmt.Errorf("unit %q has an empty dependency", unit)
			}
			if dep == unit {
				return planningError(unit, "unit depends on itself")
			}
		}
	}
	if len(known) == 0 {
		return nil
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	for _, unit := range sortedKeys(tableKeys(d)) {
		if !knownSet[unit] {
			return planningError(unit, "unknown unit")
		}
		for _, dep := range d.Dependencies(unit) {
			if !knownSet[dep] {
				return planningError(unit, fmt.Sprintf("unknown dependency %q", dep))
			}
		}
	}
	return nil
}

func tableKeys(d DependencyTable) map[string]bool {
	out := make(map[string]bool, len(d))
	for unit := range d {
		out[unit] = true
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package units implements the SDR work units run by the executor: company
// research, contact discovery, lead qualification and outreach
// personalization. Each unit reads a workspace snapshot, calls research
// tools through a Caller and returns a Delta.
package units

import (
	"context"
	"sort"
	"sync"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// Unit names.
const (
	CompanyResearch         = "company_research"
	ContactDiscovery        = "contact_discovery"
	LeadQualification       = "lead_qualification"
	OutreachPersonalization = "outreach_personalization"
)

// Unit is one independently invocable step. Invoke must not retain the
// snapshot.
type Unit interface {
	Name() string
	Invoke(ctx context.Context, snapshot *workspace.Workspace) (workspace.Delta, error)
}

// Registry maps unit names to units.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Default registers the four SDR units backed by caller.
func Default(caller *Caller) *Registry {
	r := NewRegistry()
	for _, u := range []Unit{
		NewCompanyResearch(caller),
		NewContactDiscovery(caller),
		NewLeadQualification(caller),
		NewOutreachPersonalization(caller),
	} {
		// Names are distinct constants.
		_ = r.Register(u)
	}
	return r
}

// Register adds u. Registering a name twice is an INVALID_INPUT error.
func (r *Registry) Register(u Unit) error {
	if u == nil || u.Name() == "" {
		return sdrerrors.New(sdrerrors.CodeInvalidInput, "unit has no name", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[u.Name()]; ok {
		return sdrerrors.Newf(sdrerrors.CodeInvalidInput, "unit %q already registered", u.Name())
	}
	r.units[u.Name()] = u
	return nil
}

// Get returns the unit registered under name.
func (r *Registry) Get(name string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Names lists registered units in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.units))
	for name := range r.units {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoker adapts the registry to the executor. Unknown units fail with
// NOT_FOUND.
func (r *Registry) Invoker() planner.Invoker {
	return func(ctx context.Context, name string, snapshot *workspace.Workspace) (workspace.Delta, error) {
		u, ok := r.Get(name)
		if !ok {
			return workspace.Delta{}, sdrerrors.Newf(sdrerrors.CodeNotFound, "no unit named %q", name)
		}
		return u.Invoke(ctx, snapshot)
	}
}

// upstream returns the successful result of another unit.
func upstream(snapshot *workspace.Workspace, name string) (workspace.Result, bool) {
	res, ok := snapshot.Result(name)
	if !ok || res.Failed() {
		return workspace.Result{}, false
	}
	return res, true
}

func stringValue(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func stringsValue(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intValue(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func mapValue(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

// dedupe keeps the first occurrence of each non-empty string, up to limit
// entries when limit is positive.
func dedupe(in []string, limit int) []string {
	seen := make(map[string]bool, len(in))
	out := []string{}
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

package planner

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Audit statuses emitted by the executor.
const (
	AuditStatusStarted   = "started"
	AuditStatusCompleted = "completed"
	AuditStatusFailed    = "failed"
	AuditStatusTimedOut  = "timed_out"
)

// AuditEvent records one unit transition during a run.
type AuditEvent struct {
	RunID      string    `json:"run_id"`
	Unit       string    `json:"unit"`
	Phase      int       `json:"phase"`
	Status     string    `json:"status"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// AuditStore persists executor audit events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter limits audit event queries.
type AuditFilter struct {
	RunID  string
	Unit   string
	Status string
	Limit  int
}

func (f AuditFilter) matches(ev AuditEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Unit != "" && ev.Unit != f.Unit {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return true
}

// MemoryAuditStore keeps audit events in memory.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditStore returns an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Record appends an audit event.
func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// StoreHook adapts an AuditStore into an executor audit hook. Record errors
// are passed to onErr when non-nil and otherwise dropped; auditing never
// affects a run.
func StoreHook(store AuditStore, onErr func(error)) func(context.Context, AuditEvent) {
	return func(ctx context.Context, event AuditEvent) {
		if err := store.Record(context.WithoutCancel(ctx), event); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func encodeAuditOutput(output any) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}

func decodeAuditOutput(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeAuditTime ensures timestamps are in UTC.
func normalizeAuditTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}

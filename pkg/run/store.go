package run

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists the execution tree and its audit trail. Status writes go
// through Transition so the forward-only state machine is enforced in one
// place regardless of backend.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Update(ctx context.Context, r *Run) error
	Transition(ctx context.Context, id string, next Status) (*Run, error)
	ListByTrace(ctx context.Context, traceID string) ([]*Run, error)
	ListChildren(ctx context.Context, parentRunID string) ([]*Run, error)

	AppendModelCall(ctx context.Context, log *ModelCallLog) error
	AppendToolCall(ctx context.Context, log *ToolCallLog) error
	AppendApproval(ctx context.Context, a *Approval) error
	AppendUsage(ctx context.Context, u *UsageRecord) error

	ListModelCalls(ctx context.Context, runID string) ([]*ModelCallLog, error)
	ListToolCalls(ctx context.Context, runID string) ([]*ToolCallLog, error)
	ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error)
}

// MemoryStore keeps the execution tree in maps. Used by tests and the
// ephemeral trigger path.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	modelCalls map[string][]*ModelCallLog
	toolCalls  map[string][]*ToolCallLog
	approvals  map[string][]*Approval
	usage      []*UsageRecord
}

// NewMemoryStore creates an empty in-memory run store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		modelCalls: make(map[string][]*ModelCallLog),
		toolCalls:  make(map[string][]*ToolCallLog),
		approvals:  make(map[string][]*Approval),
	}
}

// Create stores a new run record
func (s *MemoryStore) Create(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

// Get retrieves a run by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	cp := *r
	return &cp, nil
}

// Update overwrites a run's mutable fields. Terminal runs are immutable;
// writes against them are rejected.
func (s *MemoryStore) Update(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[r.ID]
	if !ok {
		return &NotFoundError{ID: r.ID}
	}
	if existing.Status.Terminal() {
		return &InvalidTransitionError{RunID: r.ID, From: existing.Status, To: r.Status}
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

// Transition moves a run through the state machine, stamping the
// start/completion timestamps as a side effect.
func (s *MemoryStore) Transition(ctx context.Context, id string, next Status) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if !r.Status.CanTransitionTo(next) {
		return nil, &InvalidTransitionError{RunID: id, From: r.Status, To: next}
	}

	now := time.Now().UTC()
	r.Status = next
	switch next {
	case StatusRunning:
		r.StartedAt = &now
	case StatusCompleted, StatusFailed:
		r.CompletedAt = &now
	}

	cp := *r
	return &cp, nil
}

// ListByTrace returns every run sharing a trace id, oldest first
func (s *MemoryStore) ListByTrace(ctx context.Context, traceID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Run
	for _, r := range s.runs {
		if r.TraceID == traceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListChildren returns the direct children of a run, oldest first
func (s *MemoryStore) ListChildren(ctx context.Context, parentRunID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Run
	for _, r := range s.runs {
		if r.ParentRunID == parentRunID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendModelCall records a model invocation
func (s *MemoryStore) AppendModelCall(ctx context.Context, log *ModelCallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	s.modelCalls[log.RunID] = append(s.modelCalls[log.RunID], &cp)
	return nil
}

// AppendToolCall records a tool invocation
func (s *MemoryStore) AppendToolCall(ctx context.Context, log *ToolCallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	s.toolCalls[log.RunID] = append(s.toolCalls[log.RunID], &cp)
	return nil
}

// AppendApproval records an approval decision
func (s *MemoryStore) AppendApproval(ctx context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.approvals[a.RunID] = append(s.approvals[a.RunID], &cp)
	return nil
}

// AppendUsage records a billable line item
func (s *MemoryStore) AppendUsage(ctx context.Context, u *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.usage = append(s.usage, &cp)
	return nil
}

// ListModelCalls returns the model call log for a run in append order
func (s *MemoryStore) ListModelCalls(ctx context.Context, runID string) ([]*ModelCallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.modelCalls[runID]
	out := make([]*ModelCallLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

// ListToolCalls returns the tool call log for a run in append order
func (s *MemoryStore) ListToolCalls(ctx context.Context, runID string) ([]*ToolCallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.toolCalls[runID]
	out := make([]*ToolCallLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

// ListUsage returns usage records for a tenant in append order
func (s *MemoryStore) ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UsageRecord
	for _, u := range s.usage {
		if tenantID == "" || u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

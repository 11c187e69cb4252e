package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store supplies entity definitions to the engine. The engine only reads;
// definitions are managed by the operator (CRUD surfaces live elsewhere).
type Store interface {
	Get(ctx context.Context, id string) (*Entity, error)
	List(ctx context.Context, tenantID string) ([]*Entity, error)
	Put(ctx context.Context, e *Entity) error
	Delete(ctx context.Context, id string) error
}

// NotFoundError reports a missing entity
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", e.ID)
}

// MemoryStore is an in-memory entity arena keyed by id. Parent references
// stay ids; traversal is repeated lookup.
type MemoryStore struct {
	entities map[string]*Entity
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*Entity)}
}

// Get retrieves an entity by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	cp := *e
	return &cp, nil
}

// List returns all entities for a tenant, sorted by name
func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entity
	for _, e := range s.entities {
		if tenantID == "" || e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Put validates and stores an entity
func (s *MemoryStore) Put(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entities[e.ID] = &cp
	return nil
}

// Delete removes an entity by id
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.entities, id)
	return nil
}

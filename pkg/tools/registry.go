package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Tool is one invokable capability. Input and output are JSON so the
// registry stays agnostic to each tool's schema.
type Tool interface {
	ID() string
	Description() string
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutionError wraps a tool failure so the dispatcher can tell tool
// faults apart from engine faults.
type ExecutionError struct {
	ToolID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.ToolID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// UnknownToolError reports a step referencing a tool id the registry does
// not carry.
type UnknownToolError struct {
	ToolID string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolID)
}

// Registry holds the tools available to an engine instance. Instances are
// injected, never global, so two engines can carry different tool sets.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool, replacing any tool with the same id
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.ID()]; exists {
		r.logger.Warn().Str("tool", t.ID()).Msg("Replacing registered tool")
	}
	r.tools[t.ID()] = t
}

// Get returns the tool for an id
func (r *Registry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[id]
	if !ok {
		return nil, &UnknownToolError{ToolID: id}
	}
	return t, nil
}

// List returns registered tool ids, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke looks up and runs a tool, wrapping failures as ExecutionError
func (r *Registry) Invoke(ctx context.Context, id string, input json.RawMessage) (json.RawMessage, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	out, err := t.Invoke(ctx, input)
	if err != nil {
		return nil, &ExecutionError{ToolID: id, Err: err}
	}
	return out, nil
}

package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the trace id shared by a run tree
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the current run id
	RunIDKey ContextKey = "run_id"
	// EntityIDKey is the context key for the entity being executed
	EntityIDKey ContextKey = "entity_id"
	// TenantIDKey is the context key for the owning tenant
	TenantIDKey ContextKey = "tenant_id"
)

// TraceContext holds the identifiers carried across a run tree
type TraceContext struct {
	TraceID  string
	RunID    string
	EntityID string
	TenantID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithEntityID adds an entity ID to the context
func WithEntityID(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, EntityIDKey, entityID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetEntityID retrieves the entity ID from the context
func GetEntityID(ctx context.Context) string {
	if entityID, ok := ctx.Value(EntityIDKey).(string); ok {
		return entityID
	}
	return ""
}

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		RunID:    GetRunID(ctx),
		EntityID: GetEntityID(ctx),
		TenantID: GetTenantID(ctx),
	}
}

// NewContext creates a new context carrying the given trace information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.EntityID != "" {
		ctx = WithEntityID(ctx, tc.EntityID)
	}
	if tc.TenantID != "" {
		ctx = WithTenantID(ctx, tc.TenantID)
	}
	return ctx
}

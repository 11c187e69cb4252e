package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChildRun derives a context for a child run. The trace id is
// inherited unchanged; the run and entity ids are replaced with the child's.
func PropagateToChildRun(ctx context.Context, childRunID, childEntityID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	child := WithTraceID(ctx, traceID)
	child = WithRunID(child, childRunID)
	child = WithEntityID(child, childEntityID)

	if tenantID := GetTenantID(ctx); tenantID != "" {
		child = WithTenantID(child, tenantID)
	}

	return child
}

// LoggerFromContext enriches a zerolog logger with the trace identifiers
// present in the context.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		base = base.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		base = base.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.EntityID != "" {
		base = base.With().Str("entity_id", tc.EntityID).Logger()
	}
	if tc.TenantID != "" {
		base = base.With().Str("tenant_id", tc.TenantID).Logger()
	}

	return base
}

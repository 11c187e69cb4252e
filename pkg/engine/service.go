package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arbor-run/arbor/pkg/entity"
	"github.com/arbor-run/arbor/pkg/jobqueue"
	"github.com/arbor-run/arbor/pkg/run"
)

// Service is the trigger surface over the coordinator. Triggers create a
// PENDING root run immediately and hand execution to the job queue; the
// caller polls or streams for progress.
type Service struct {
	coordinator *Coordinator
	entities    entity.Store
	runs        run.Store
	queue       *jobqueue.Queue
	logger      zerolog.Logger
}

// NewService creates the trigger service
func NewService(coordinator *Coordinator, entities entity.Store, runs run.Store, queue *jobqueue.Queue, logger zerolog.Logger) *Service {
	return &Service{
		coordinator: coordinator,
		entities:    entities,
		runs:        runs,
		queue:       queue,
		logger:      logger,
	}
}

// TriggerRequest starts a run of an entity
type TriggerRequest struct {
	EntityID string
	TenantID string
	Input    json.RawMessage
}

// createRoot validates the trigger and persists the PENDING root run
func (s *Service) createRoot(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	e, err := s.entities.Get(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	if e.Status == entity.StatusArchived || e.Status == entity.StatusDeprecated {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("entity %s is %s and cannot be triggered", e.ID, e.Status),
		}
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = e.TenantID
	}

	// A root run anchors its own trace; children inherit it
	id := uuid.NewString()
	r := &run.Run{
		ID:         id,
		TraceID:    id,
		EntityID:   e.ID,
		EntityType: string(e.Type),
		TenantID:   tenantID,
		Depth:      0,
		Status:     run.StatusPending,
		Input:      req.Input,
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.logger.Info().
		Str("run_id", r.ID).
		Str("trace_id", r.TraceID).
		Str("entity_id", e.ID).
		Msg("Run triggered")

	return r, nil
}

// Trigger creates a run and executes it asynchronously on the runs lane.
// The returned run is PENDING.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	r, err := s.createRoot(ctx, req)
	if err != nil {
		return nil, err
	}

	go func() {
		_, err := s.queue.Enqueue(context.Background(), jobqueue.LaneRuns, func(jobCtx context.Context) (interface{}, error) {
			return s.coordinator.Execute(jobCtx, r.ID)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", r.ID).Msg("Run execution failed")
		}
	}()

	return r, nil
}

// TriggerSync creates a run and executes it inline, returning the terminal
// run. Used by the CLI and the scheduler.
func (s *Service) TriggerSync(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	r, err := s.createRoot(ctx, req)
	if err != nil {
		return nil, err
	}

	value, err := s.queue.Enqueue(ctx, jobqueue.LaneRuns, func(jobCtx context.Context) (interface{}, error) {
		return s.coordinator.Execute(jobCtx, r.ID)
	})
	if finished, ok := value.(*run.Run); ok && finished != nil {
		return finished, err
	}
	return s.runs.Get(ctx, r.ID)
}

// Status returns the current persisted state of a run
func (s *Service) Status(ctx context.Context, runID string) (*run.Run, error) {
	return s.runs.Get(ctx, runID)
}

// Tree returns every run sharing a trace, oldest first
func (s *Service) Tree(ctx context.Context, traceID string) ([]*run.Run, error) {
	return s.runs.ListByTrace(ctx, traceID)
}

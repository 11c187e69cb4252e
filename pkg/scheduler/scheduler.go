package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/arbor-run/arbor/pkg/engine"
)

// Schedule triggers one entity on a cron expression
type Schedule struct {
	EntityID string
	TenantID string
	Cron     string
	Input    json.RawMessage
}

// Scheduler fires entity triggers on cron schedules. Each firing enqueues
// a normal run; overlapping firings queue behind the cron lane like any
// other job.
type Scheduler struct {
	service *engine.Service
	cron    *cron.Cron
	logger  zerolog.Logger
	entries map[cron.EntryID]Schedule
}

// New creates a scheduler over the trigger service
func New(service *engine.Service, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		service: service,
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[cron.EntryID]Schedule),
	}
}

// Add registers a schedule. Invalid cron expressions are rejected up front.
func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.EntityID == "" {
		return fmt.Errorf("schedule entity id is required")
	}
	if schedule.Cron == "" {
		return fmt.Errorf("schedule cron expression is required")
	}

	id, err := s.cron.AddFunc(schedule.Cron, func() {
		s.fire(schedule)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Cron, err)
	}

	s.entries[id] = schedule
	s.logger.Info().
		Str("entity_id", schedule.EntityID).
		Str("cron", schedule.Cron).
		Msg("Schedule registered")
	return nil
}

func (s *Scheduler) fire(schedule Schedule) {
	r, err := s.service.Trigger(context.Background(), engine.TriggerRequest{
		EntityID: schedule.EntityID,
		TenantID: schedule.TenantID,
		Input:    schedule.Input,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("entity_id", schedule.EntityID).
			Msg("Scheduled trigger failed")
		return
	}

	s.logger.Info().
		Str("entity_id", schedule.EntityID).
		Str("run_id", r.ID).
		Msg("Scheduled run triggered")
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.entries)).Msg("Scheduler started")
}

// Stop halts the scheduler and waits for running jobs to return
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Count returns the number of registered schedules
func (s *Scheduler) Count() int {
	return len(s.entries)
}

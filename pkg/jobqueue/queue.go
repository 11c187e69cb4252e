package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arbor-run/arbor/internal/observability"
	"github.com/arbor-run/arbor/internal/tracing"
)

// Job is an asynchronous operation executed on a lane
type Job func(ctx context.Context) (interface{}, error)

type jobRecord struct {
	id         string
	job        Job
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	generation  int
	concurrency int
	queue       []*jobRecord
	running     int
	mu          sync.Mutex
}

// Queue serializes jobs per lane with a concurrency cap per lane. Triggered
// runs execute on the "runs" lane; scheduled triggers enqueue on "cron".
// Instances are injected, never global.
type Queue struct {
	lanes    map[string]*laneState
	jobIDSeq int
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

// LaneRuns is the lane carrying triggered run executions
const LaneRuns = "runs"

// LaneCron is the lane carrying scheduler-initiated triggers
const LaneCron = "cron"

// New creates a queue with the default lanes
func New(logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	q.initLane(LaneRuns, 4)
	q.initLane(LaneCron, 2)
	return q
}

func (q *Queue) initLane(lane string, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.lanes[lane]; !exists {
		q.lanes[lane] = &laneState{
			concurrency: concurrency,
			queue:       make([]*jobRecord, 0),
		}
		q.logger.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

func (q *Queue) ensureLane(lane string) {
	q.mu.RLock()
	_, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		q.initLane(lane, 1)
	}
}

// Enqueue adds a job to a lane and blocks until it finishes
func (q *Queue) Enqueue(ctx context.Context, lane string, job Job) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"arbor.jobqueue",
		"jobqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.ensureLane(lane)

	q.mu.Lock()
	q.jobIDSeq++
	jobID := fmt.Sprintf("%s-%d", lane, q.jobIDSeq)
	ls := q.lanes[lane]
	q.mu.Unlock()

	record := &jobRecord{
		id:         jobID,
		job:        job,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     make(chan jobResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("job_id", jobID).
		Int("queue_size", queueSize).
		Msg("Job enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	go q.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (q *Queue) processLane(lane string) {
	q.mu.RLock()
	ls := q.lanes[lane]
	q.mu.RUnlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- jobResult{err: fmt.Errorf("job cancelled due to lane reset")}
			close(record.result)
			continue
		}

		ls.running++

		q.wg.Add(1)
		go q.executeJob(lane, ls, record)
	}
}

func (q *Queue) executeJob(lane string, ls *laneState, record *jobRecord) {
	defer q.wg.Done()

	jobCtx, span := tracing.StartSpan(
		record.ctx,
		"arbor.jobqueue",
		"jobqueue.execute",
		attribute.String("lane", lane),
		attribute.String("job_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(jobCtx, q.logger)

	runCtx, cancel := context.WithCancel(jobCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.job(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- jobResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("job_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Job failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("job_id", record.id).
			Dur("duration", duration).
			Msg("Job completed")
	}

	observability.RecordQueueCompletion(lane, err == nil, queueSize)

	go q.processLane(lane)
}

// QueueSize returns the number of queued jobs for a lane
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of executing jobs for a lane
func (q *Queue) RunningCount(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// SetConcurrency updates a lane's concurrency cap
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	q.ensureLane(lane)

	q.mu.RLock()
	ls := q.lanes[lane]
	q.mu.RUnlock()

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	q.logger.Info().
		Str("lane", lane).
		Int("old", old).
		Int("new", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > old {
		go q.processLane(lane)
	}
}

// ResetLane rejects all queued jobs and invalidates in-flight generations
func (q *Queue) ResetLane(lane string) {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	for _, record := range ls.queue {
		record.result <- jobResult{err: fmt.Errorf("lane reset")}
		close(record.result)
	}
	ls.queue = make([]*jobRecord, 0)

	q.logger.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// Close cancels in-flight job contexts and waits for workers to exit
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

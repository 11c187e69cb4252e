package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arbor-run/arbor/internal/observability"
	"github.com/arbor-run/arbor/internal/tracing"
	"github.com/arbor-run/arbor/pkg/entity"
	"github.com/arbor-run/arbor/pkg/events"
	"github.com/arbor-run/arbor/pkg/gateway"
	"github.com/arbor-run/arbor/pkg/planner"
	"github.com/arbor-run/arbor/pkg/run"
	"github.com/arbor-run/arbor/pkg/tools"
	"github.com/arbor-run/arbor/pkg/usage"
)

// ProviderSource resolves a tenant's model provider. Satisfied by
// gateway.Factory.
type ProviderSource interface {
	Provider(ctx context.Context, tenantID, provider, model string) (gateway.Provider, error)
}

// Config wires the coordinator's collaborators
type Config struct {
	Entities   entity.Store
	Runs       run.Store
	Reconciler *planner.Reconciler
	Gateway    ProviderSource
	Accountant *usage.Accountant
	Tools      *tools.Registry
	Publisher  events.Publisher
	Gate       ApprovalGate

	MaxRecursionDepth int
	DefaultTimeout    time.Duration

	Logger zerolog.Logger
}

// Coordinator executes runs. Composite entities recurse through child
// invocations; every node of the resulting tree is a persisted run sharing
// the root's trace id, and a parent's metrics are its own model usage plus
// its direct children's totals.
type Coordinator struct {
	entities   entity.Store
	runs       run.Store
	reconciler *planner.Reconciler
	gateway    ProviderSource
	accountant *usage.Accountant
	tools      *tools.Registry
	publisher  events.Publisher
	gate       ApprovalGate

	maxDepth       int
	defaultTimeout time.Duration

	logger zerolog.Logger
}

const (
	defaultMaxRecursionDepth = 10
	defaultStepTimeout       = 120 * time.Second
)

// NewCoordinator creates a coordinator from its configuration
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Entities == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway factory is required")
	}
	if cfg.Accountant == nil {
		return nil, fmt.Errorf("accountant is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.Gate == nil {
		cfg.Gate = AutoApproveGate{}
	}
	if cfg.MaxRecursionDepth <= 0 {
		cfg.MaxRecursionDepth = defaultMaxRecursionDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultStepTimeout
	}

	observability.EnsureRegistered()

	return &Coordinator{
		entities:       cfg.Entities,
		runs:           cfg.Runs,
		reconciler:     cfg.Reconciler,
		gateway:        cfg.Gateway,
		accountant:     cfg.Accountant,
		tools:          cfg.Tools,
		publisher:      cfg.Publisher,
		gate:           cfg.Gate,
		maxDepth:       cfg.MaxRecursionDepth,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Execute runs an already-created run to completion. The returned run
// reflects the terminal state; the error mirrors r.Error for failed runs.
func (c *Coordinator) Execute(ctx context.Context, runID string) (*run.Run, error) {
	r, err := c.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if r.TraceID == "" {
		// A root without a trace anchors one on its own id
		r.TraceID = r.ID
		if err := c.runs.Update(ctx, r); err != nil {
			return nil, err
		}
	}

	e, err := c.entities.Get(ctx, r.EntityID)
	if err != nil {
		return c.fail(ctx, r, &ConfigurationError{Reason: "entity not found", Err: err})
	}

	ctx = tracing.WithTraceID(ctx, r.TraceID)
	ctx = tracing.WithRunID(ctx, r.ID)
	ctx = tracing.WithEntityID(ctx, r.EntityID)
	ctx = tracing.WithTenantID(ctx, r.TenantID)

	ctx, span := tracing.StartSpan(
		ctx,
		"arbor.engine",
		"engine.execute",
		attribute.String("entity_id", r.EntityID),
		attribute.String("entity_type", r.EntityType),
		attribute.Int("depth", r.Depth),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)

	r, err = c.runs.Transition(ctx, r.ID, run.StatusRunning)
	if err != nil {
		return nil, err
	}
	observability.RunStarted()
	defer observability.RunFinished()

	start := time.Now()
	c.publish(events.Event{
		Type: events.EventRunStarted, RunID: r.ID, TraceID: r.TraceID,
		EntityID: r.EntityID, Status: string(r.Status),
	})
	logger.Info().Str("entity_type", r.EntityType).Int("depth", r.Depth).Msg("Run started")

	plan, err := c.reconciler.Reconcile(ctx, e, r.Input)
	if err != nil {
		return c.fail(ctx, r, &ConfigurationError{Reason: "plan reconciliation failed", Err: err})
	}
	if snapshot, err := json.Marshal(plan); err == nil {
		r.ResolvedPlan = snapshot
		if err := c.runs.Update(ctx, r); err != nil {
			logger.Error().Err(err).Msg("Failed to persist resolved plan")
		}
	}

	stepOutputs := map[string]string{}
	finalOutput := ""

	for i := range plan.Steps {
		step := &plan.Steps[i]

		c.publish(events.Event{
			Type: events.EventStepStarted, RunID: r.ID, TraceID: r.TraceID,
			EntityID: r.EntityID, StepName: step.Name,
		})

		stepStart := time.Now()
		output, stepErr := c.dispatch(ctx, r, e, step, stepOutputs)

		c.publish(events.Event{
			Type: events.EventStepFinished, RunID: r.ID, TraceID: r.TraceID,
			EntityID: r.EntityID, StepName: step.Name,
			Error: errString(stepErr),
		})
		observability.RecordStep(string(step.Type), time.Since(stepStart), stepErr == nil)

		if stepErr != nil {
			if fatalStepError(stepErr) || step.Required {
				span.RecordError(stepErr)
				span.SetStatus(codes.Error, stepErr.Error())
				return c.fail(ctx, r, &StepError{StepName: step.Name, Err: stepErr})
			}
			logger.Warn().Err(stepErr).Str("step", step.Name).
				Msg("Optional step failed, continuing")
			stepOutputs[step.Name] = ""
			continue
		}

		stepOutputs[step.Name] = output
		finalOutput = output

		// Persist rollup progress so observers see live totals
		if err := c.runs.Update(ctx, r); err != nil {
			logger.Error().Err(err).Msg("Failed to persist run progress")
		}

		if ceiling := e.Governance.CostCeilingUSD; ceiling > 0 && r.Metrics.TotalCostUSD > ceiling {
			return c.fail(ctx, r, &CostCeilingError{
				SpentUSD: r.Metrics.TotalCostUSD, CeilingUSD: ceiling,
			})
		}

		directive, predicate := evalExitConditions(step, output)
		if directive == entity.DirectiveEscalate {
			return c.fail(ctx, r, &EscalationError{StepName: step.Name, Predicate: predicate})
		}
		if directive == entity.DirectiveEnd {
			logger.Info().Str("step", step.Name).Msg("Exit condition ended plan early")
			break
		}
	}

	outputDoc, err := json.Marshal(map[string]interface{}{
		"output": finalOutput,
		"steps":  stepOutputs,
	})
	if err != nil {
		return c.fail(ctx, r, fmt.Errorf("marshal run output: %w", err))
	}
	r.Output = outputDoc

	if err := c.runs.Update(ctx, r); err != nil {
		return nil, err
	}
	r, err = c.runs.Transition(ctx, r.ID, run.StatusCompleted)
	if err != nil {
		return nil, err
	}

	observability.RecordRun(r.EntityType, string(run.StatusCompleted), time.Since(start))
	c.publish(events.Event{
		Type: events.EventRunCompleted, RunID: r.ID, TraceID: r.TraceID,
		EntityID: r.EntityID, Status: string(r.Status), Payload: r.Output,
	})
	logger.Info().
		Float64("cost_usd", r.Metrics.TotalCostUSD).
		Int64("tokens", r.Metrics.TotalTokens()).
		Dur("duration", time.Since(start)).
		Msg("Run completed")

	return r, nil
}

// dispatch executes one plan step. The step union is closed; any new type
// must be handled here.
func (c *Coordinator) dispatch(ctx context.Context, r *run.Run, e *entity.Entity, step *entity.PlanStep, stepOutputs map[string]string) (string, error) {
	if step.RequiresApproval {
		decision, approver, err := c.gate.Decide(ctx, r, step)
		if err != nil {
			return "", fmt.Errorf("approval gate: %w", err)
		}
		c.recordApproval(ctx, r, step, decision, approver)
		observability.RecordApproval(string(decision))
		if decision != run.ApprovalApproved {
			return "", &ApprovalRejectedError{StepName: step.Name, Approver: approver}
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout(e))
	defer cancel()

	vars := TemplateVars(r.Input, stepOutputs)

	switch step.Type {
	case entity.StepThought:
		return c.executeThought(stepCtx, r, e, step, vars)
	case entity.StepToolCall:
		return c.executeToolCall(stepCtx, r, step, vars)
	case entity.StepChildInvocation:
		return c.executeChildInvocation(ctx, r, e, step, vars)
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown step type %s", step.Type)}
	}
}

func (c *Coordinator) executeThought(ctx context.Context, r *run.Run, e *entity.Entity, step *entity.PlanStep, vars map[string]interface{}) (string, error) {
	reasoning := e.EffectiveReasoning()

	provider, err := c.gateway.Provider(ctx, r.TenantID, reasoning.Provider, reasoning.Model)
	if err != nil {
		var missing *usage.MissingCredentialError
		if errors.As(err, &missing) {
			return "", &ConfigurationError{Reason: "credential resolution failed", Err: err}
		}
		return "", err
	}

	prompt := RenderTemplate(step.PromptTemplate, vars)

	start := time.Now()
	resp, callErr := provider.Call(ctx, gateway.Request{
		Model:       reasoning.Model,
		Prompt:      prompt,
		System:      e.Persona,
		Temperature: reasoning.Temperature,
		MaxTokens:   reasoning.MaxTokens,
	})
	duration := time.Since(start)

	logEntry := &run.ModelCallLog{
		ID:       uuid.NewString(),
		RunID:    r.ID,
		StepName: step.Name,
		Provider: reasoning.Provider,
		Model:    reasoning.Model,
		Prompt:   prompt,
	}
	if callErr != nil {
		logEntry.Error = callErr.Error()
		logEntry.LatencyMs = duration.Milliseconds()
	} else {
		logEntry.Output = resp.Output
		logEntry.PromptTokens = resp.PromptTokens
		logEntry.CompletionTokens = resp.CompletionTokens
		logEntry.LatencyMs = resp.LatencyMs
		logEntry.RawResponse = resp.Raw
	}

	observability.RecordModelCall(reasoning.Provider, duration,
		int(logEntry.PromptTokens), int(logEntry.CompletionTokens), callErr == nil)

	if callErr == nil {
		cost := c.accountant.Record(ctx, r.TenantID, r.ID, reasoning.Model,
			resp.PromptTokens, resp.CompletionTokens)
		logEntry.CostUSD = cost
		observability.RecordModelCost(reasoning.Provider, cost)

		r.Metrics.Add(run.Metrics{
			TotalCostUSD:     cost,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		})
	}

	if err := c.runs.AppendModelCall(ctx, logEntry); err != nil {
		c.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to append model call log")
	}

	if callErr != nil {
		return "", callErr
	}
	return resp.Output, nil
}

func (c *Coordinator) executeToolCall(ctx context.Context, r *run.Run, step *entity.PlanStep, vars map[string]interface{}) (string, error) {
	input := c.stepInput(r, step, vars)

	start := time.Now()
	output, callErr := c.tools.Invoke(ctx, step.ToolID, input)
	duration := time.Since(start)

	logEntry := &run.ToolCallLog{
		ID:        uuid.NewString(),
		RunID:     r.ID,
		StepName:  step.Name,
		ToolID:    step.ToolID,
		Input:     input,
		Output:    output,
		LatencyMs: duration.Milliseconds(),
		Error:     errString(callErr),
	}
	if err := c.runs.AppendToolCall(ctx, logEntry); err != nil {
		c.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to append tool call log")
	}
	observability.RecordToolCall(step.ToolID, duration, callErr == nil)

	if callErr != nil {
		return "", callErr
	}
	return string(output), nil
}

func (c *Coordinator) executeChildInvocation(ctx context.Context, r *run.Run, e *entity.Entity, step *entity.PlanStep, vars map[string]interface{}) (string, error) {
	if step.ChildEntityID == "" {
		return "", &ConfigurationError{
			Reason: fmt.Sprintf("child invocation step %s names no entity", step.Name),
		}
	}

	child, err := c.entities.Get(ctx, step.ChildEntityID)
	if err != nil {
		return "", &ConfigurationError{Reason: "child entity not found", Err: err}
	}

	maxDepth := c.maxDepth
	if e.Governance.MaxRecursionDepth > 0 {
		maxDepth = e.Governance.MaxRecursionDepth
	}
	if r.Depth+1 > maxDepth {
		return "", &RecursionLimitError{
			Depth: r.Depth + 1, MaxDepth: maxDepth, EntityID: child.ID,
		}
	}

	childRun := &run.Run{
		ID:          uuid.NewString(),
		TraceID:     r.TraceID,
		ParentRunID: r.ID,
		EntityID:    child.ID,
		EntityType:  string(child.Type),
		TenantID:    r.TenantID,
		Depth:       r.Depth + 1,
		Status:      run.StatusPending,
		Input:       c.childInput(r, step, vars),
	}
	if err := c.runs.Create(ctx, childRun); err != nil {
		return "", fmt.Errorf("create child run: %w", err)
	}

	childCtx := tracing.PropagateToChildRun(ctx, childRun.ID, child.ID)
	finished, err := c.Execute(childCtx, childRun.ID)
	if finished != nil {
		// Direct child totals roll into the parent exactly once
		r.Metrics.Add(finished.Metrics)
	}
	if err != nil {
		return "", fmt.Errorf("child run %s failed: %w", childRun.ID, err)
	}

	return extractOutput(finished.Output), nil
}

// stepInput builds the JSON payload handed to a tool or child. A step with
// a template renders it against the variables; valid JSON passes through
// as-is, anything else is wrapped as {"input": ...}. Template-less steps
// inherit the run input.
func (c *Coordinator) stepInput(r *run.Run, step *entity.PlanStep, vars map[string]interface{}) json.RawMessage {
	if step.PromptTemplate == "" {
		return r.Input
	}
	rendered := RenderTemplate(step.PromptTemplate, vars)
	if json.Valid([]byte(rendered)) {
		return json.RawMessage(rendered)
	}
	wrapped, _ := json.Marshal(map[string]string{"input": rendered})
	return wrapped
}

// childInput builds a child run's input. A declared template renders like
// any step input; without one the child receives the accumulated context
// snapshot, so prior sibling outputs stay addressable as
// {{steps.<name>.output}} inside the child's own templates.
func (c *Coordinator) childInput(r *run.Run, step *entity.PlanStep, vars map[string]interface{}) json.RawMessage {
	if step.PromptTemplate != "" {
		return c.stepInput(r, step, vars)
	}
	snapshot, err := json.Marshal(vars)
	if err != nil {
		return r.Input
	}
	return snapshot
}

func (c *Coordinator) stepTimeout(e *entity.Entity) time.Duration {
	if e.Governance.TimeoutMs > 0 {
		return time.Duration(e.Governance.TimeoutMs) * time.Millisecond
	}
	return c.defaultTimeout
}

func (c *Coordinator) recordApproval(ctx context.Context, r *run.Run, step *entity.PlanStep, decision run.ApprovalDecision, approver string) {
	a := &run.Approval{
		ID:       uuid.NewString(),
		RunID:    r.ID,
		StepName: step.Name,
		Decision: decision,
		Approver: approver,
	}
	if err := c.runs.AppendApproval(ctx, a); err != nil {
		c.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to append approval record")
	}
}

// fail moves a run to FAILED, persisting the error and its metrics so far
func (c *Coordinator) fail(ctx context.Context, r *run.Run, cause error) (*run.Run, error) {
	r.Error = cause.Error()
	if err := c.runs.Update(ctx, r); err != nil {
		c.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to persist failing run")
	}

	failed, err := c.runs.Transition(ctx, r.ID, run.StatusFailed)
	if err != nil {
		c.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to transition run to FAILED")
		failed = r
		failed.Status = run.StatusFailed
	}

	observability.RecordRun(r.EntityType, string(run.StatusFailed), 0)
	c.publish(events.Event{
		Type: events.EventRunFailed, RunID: r.ID, TraceID: r.TraceID,
		EntityID: r.EntityID, Status: string(run.StatusFailed), Error: r.Error,
	})
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Error().Err(cause).Msg("Run failed")

	return failed, cause
}

// publish delivers an event best effort; the persisted run row stays
// authoritative for consumers that missed it.
func (c *Coordinator) publish(event events.Event) {
	c.publisher.Publish(event)
}

// evalExitConditions returns the directive of the first matching predicate.
// The predicate language is a case-insensitive substring check.
func evalExitConditions(step *entity.PlanStep, output string) (entity.Directive, string) {
	lower := strings.ToLower(output)
	for _, ec := range step.ExitConditions {
		if ec.Predicate == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(ec.Predicate)) {
			return ec.Directive, ec.Predicate
		}
	}
	return entity.DirectiveContinue, ""
}

// fatalStepError reports causes that fail the run even on optional steps
func fatalStepError(err error) bool {
	var cfg *ConfigurationError
	var rec *RecursionLimitError
	var ceiling *CostCeilingError
	return errors.As(err, &cfg) || errors.As(err, &rec) || errors.As(err, &ceiling)
}

// extractOutput pulls the "output" field from a run output document,
// falling back to the raw document.
func extractOutput(doc json.RawMessage) string {
	if len(doc) == 0 {
		return ""
	}
	var parsed struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(doc, &parsed); err == nil && parsed.Output != "" {
		return parsed.Output
	}
	return string(doc)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-run/arbor/pkg/entity"
	"github.com/arbor-run/arbor/pkg/events"
	"github.com/arbor-run/arbor/pkg/gateway"
	"github.com/arbor-run/arbor/pkg/planner"
	"github.com/arbor-run/arbor/pkg/run"
	"github.com/arbor-run/arbor/pkg/tools"
	"github.com/arbor-run/arbor/pkg/usage"
)

// fakeProvider scripts model responses and records every request
type fakeProvider struct {
	mu      sync.Mutex
	calls   []gateway.Request
	respond func(req gateway.Request) (*gateway.Response, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return p.respond(req)
}

func (p *fakeProvider) prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Prompt
	}
	return out
}

type fakeSource struct {
	provider gateway.Provider
}

func (s fakeSource) Provider(ctx context.Context, tenantID, provider, model string) (gateway.Provider, error) {
	return s.provider, nil
}

// standard scripted response: echo prompt, fixed usage
func echoResponse(req gateway.Request) (*gateway.Response, error) {
	return &gateway.Response{
		Output:           "echo: " + req.Prompt,
		PromptTokens:     100,
		CompletionTokens: 50,
		LatencyMs:        5,
	}, nil
}

type fixture struct {
	coordinator *Coordinator
	entities    *entity.MemoryStore
	runs        *run.MemoryStore
	registry    *usage.MemoryRegistry
	provider    *fakeProvider
	hub         *events.Hub
}

func setupCoordinator(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	entities := entity.NewMemoryStore()
	runs := run.NewMemoryStore()
	registry := usage.NewMemoryRegistry()
	require.NoError(t, registry.Put(ctx, &usage.Integration{
		TenantID: "t1", SKU: "gpt-4o-in", Credential: "sk-test", UnitPriceUSD: 0.001,
	}))
	require.NoError(t, registry.Put(ctx, &usage.Integration{
		TenantID: "t1", SKU: "gpt-4o-out", UnitPriceUSD: 0.002,
	}))

	accountant := usage.NewAccountant(registry, runs, zerolog.Nop())
	provider := &fakeProvider{respond: echoResponse}
	hub := events.NewHub(zerolog.Nop())

	toolRegistry := tools.NewRegistry(zerolog.Nop())
	toolRegistry.Register(tools.NewCalculator())

	cfg := Config{
		Entities:   entities,
		Runs:       runs,
		Reconciler: planner.NewReconciler(zerolog.Nop()),
		Gateway:    fakeSource{provider: provider},
		Accountant: accountant,
		Tools:      toolRegistry,
		Publisher:  hub,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	coordinator, err := NewCoordinator(cfg)
	require.NoError(t, err)

	return &fixture{
		coordinator: coordinator,
		entities:    entities,
		runs:        runs,
		registry:    registry,
		provider:    provider,
		hub:         hub,
	}
}

func (f *fixture) putEntity(t *testing.T, e *entity.Entity) {
	t.Helper()
	if e.TenantID == "" {
		e.TenantID = "t1"
	}
	if e.Status == "" {
		e.Status = entity.StatusActive
	}
	if e.Reasoning == nil {
		e.Reasoning = &entity.ReasoningConfig{Provider: "openai", Model: "gpt-4o"}
	}
	require.NoError(t, f.entities.Put(context.Background(), e))
}

func (f *fixture) newRootRun(t *testing.T, entityID string, input string) *run.Run {
	t.Helper()
	ctx := context.Background()
	e, err := f.entities.Get(ctx, entityID)
	require.NoError(t, err)

	r := &run.Run{
		ID:         uuid.NewString(),
		TraceID:    uuid.NewString(),
		EntityID:   entityID,
		EntityType: string(e.Type),
		TenantID:   "t1",
		Status:     run.StatusPending,
	}
	if input != "" {
		r.Input = json.RawMessage(input)
	}
	require.NoError(t, f.runs.Create(ctx, r))
	return r
}

func TestExecuteAction(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "generate-joke", Name: "Generate Joke", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "joke", Type: entity.StepThought, PromptTemplate: "Tell a joke about {{topic}}"},
		}},
	})

	root := f.newRootRun(t, "generate-joke", `{"topic": "compilers"}`)
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, finished.Status)
	assert.NotNil(t, finished.StartedAt)
	assert.NotNil(t, finished.CompletedAt)
	assert.Contains(t, string(finished.ResolvedPlan), `"joke"`)

	// 100 prompt tokens at 0.001 plus 50 completion at 0.002
	assert.InDelta(t, 0.2, finished.Metrics.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(100), finished.Metrics.PromptTokens)
	assert.Equal(t, int64(50), finished.Metrics.CompletionTokens)

	assert.Equal(t, []string{"Tell a joke about compilers"}, f.provider.prompts())
	assert.Contains(t, string(finished.Output), "echo: Tell a joke about compilers")

	logs, err := f.runs.ListModelCalls(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "joke", logs[0].StepName)
	assert.InDelta(t, 0.2, logs[0].CostUSD, 1e-9)

	records, err := f.runs.ListUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecuteTreeRollup(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "generate-joke", Name: "Generate Joke", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "joke", Type: entity.StepThought, PromptTemplate: "joke please"},
		}},
	})
	f.putEntity(t, &entity.Entity{
		ID: "joke-skill", Name: "Joke Skill", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "draft", Order: 1, Type: entity.StepThought, PromptTemplate: "draft"},
			{Name: "delegate", Order: 2, Type: entity.StepChildInvocation, ChildEntityID: "generate-joke"},
		}},
	})
	f.putEntity(t, &entity.Entity{
		ID: "comedian", Name: "Comedian Agent", Type: entity.TypeAgent,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "plan", Order: 1, Type: entity.StepThought, PromptTemplate: "plan the set"},
			{Name: "perform", Order: 2, Type: entity.StepChildInvocation, ChildEntityID: "joke-skill"},
		}},
	})

	root := f.newRootRun(t, "comedian", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, finished.Status)

	// One model call per node: action 0.2, skill 0.2 own + 0.2 child,
	// agent 0.2 own + 0.4 child. Grandchild is never added twice.
	assert.InDelta(t, 0.6, finished.Metrics.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(300), finished.Metrics.PromptTokens)
	assert.Equal(t, int64(150), finished.Metrics.CompletionTokens)

	tree, err := f.runs.ListByTrace(ctx, root.TraceID)
	require.NoError(t, err)
	require.Len(t, tree, 3)

	byEntity := map[string]*run.Run{}
	for _, r := range tree {
		assert.Equal(t, root.TraceID, r.TraceID)
		assert.Equal(t, run.StatusCompleted, r.Status)
		byEntity[r.EntityID] = r
	}

	skillRun := byEntity["joke-skill"]
	actionRun := byEntity["generate-joke"]
	require.NotNil(t, skillRun)
	require.NotNil(t, actionRun)

	assert.Equal(t, root.ID, skillRun.ParentRunID)
	assert.Equal(t, skillRun.ID, actionRun.ParentRunID)
	assert.Equal(t, 1, skillRun.Depth)
	assert.Equal(t, 2, actionRun.Depth)

	assert.InDelta(t, 0.4, skillRun.Metrics.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.2, actionRun.Metrics.TotalCostUSD, 1e-9)
}

func TestStepOrderingAndChaining(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "chain", Name: "Chain", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "second", Order: 2, Type: entity.StepThought, PromptTemplate: "refine {{steps.first.output}}"},
			{Name: "first", Order: 1, Type: entity.StepThought, PromptTemplate: "start"},
		}},
	})

	root := f.newRootRun(t, "chain", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, finished.Status)

	prompts := f.provider.prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "start", prompts[0])
	assert.Equal(t, "refine echo: start", prompts[1])
}

func TestExitConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("escalate stops the plan and fails the run", func(t *testing.T) {
		f := setupCoordinator(t, nil)
		f.provider.respond = func(req gateway.Request) (*gateway.Response, error) {
			return &gateway.Response{Output: "Error: upstream exploded"}, nil
		}

		f.putEntity(t, &entity.Entity{
			ID: "guarded", Name: "Guarded", Type: entity.TypeSkill,
			Plan: entity.Plan{Steps: []entity.PlanStep{
				{Name: "attempt", Order: 1, Type: entity.StepThought, PromptTemplate: "go",
					ExitConditions: []entity.ExitCondition{
						{Predicate: "error", Directive: entity.DirectiveEscalate},
					}},
				{Name: "never", Order: 2, Type: entity.StepThought, PromptTemplate: "unreachable"},
			}},
		})

		root := f.newRootRun(t, "guarded", "")
		finished, err := f.coordinator.Execute(ctx, root.ID)
		require.Error(t, err)
		assert.Equal(t, run.StatusFailed, finished.Status)
		assert.Contains(t, finished.Error, "escalated")
		assert.Len(t, f.provider.prompts(), 1)
	})

	t.Run("end completes the run early", func(t *testing.T) {
		f := setupCoordinator(t, nil)
		f.provider.respond = func(req gateway.Request) (*gateway.Response, error) {
			return &gateway.Response{Output: "all DONE here"}, nil
		}

		f.putEntity(t, &entity.Entity{
			ID: "short", Name: "Short", Type: entity.TypeSkill,
			Plan: entity.Plan{Steps: []entity.PlanStep{
				{Name: "one", Order: 1, Type: entity.StepThought, PromptTemplate: "go",
					ExitConditions: []entity.ExitCondition{
						{Predicate: "done", Directive: entity.DirectiveEnd},
					}},
				{Name: "two", Order: 2, Type: entity.StepThought, PromptTemplate: "skipped"},
			}},
		})

		root := f.newRootRun(t, "short", "")
		finished, err := f.coordinator.Execute(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusCompleted, finished.Status)
		assert.Len(t, f.provider.prompts(), 1)
	})
}

func TestMissingCredentialFailsRun(t *testing.T) {
	ctx := context.Background()
	var accountant *usage.Accountant

	f := setupCoordinator(t, func(cfg *Config) {
		// Real factory over an empty registry: resolution fails before
		// any network call happens.
		registry := usage.NewMemoryRegistry()
		accountant = usage.NewAccountant(registry, run.NewMemoryStore(), zerolog.Nop())
		cfg.Gateway = gateway.NewFactory(accountant)
		cfg.Accountant = accountant
	})

	f.putEntity(t, &entity.Entity{
		ID: "orphan", Name: "Orphan", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "think", Type: entity.StepThought, PromptTemplate: "hi"},
		}},
	})

	root := f.newRootRun(t, "orphan", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "configuration error")
	assert.Contains(t, finished.Error, "no credential configured")
	assert.Contains(t, finished.Error, "openai")

	// Resolution fails before the provider is ever called, so no model
	// interaction is logged for the run
	logs, err := f.runs.ListModelCalls(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestChildSeesParentStepOutputs(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "summarize", Name: "Summarize", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "summary", Type: entity.StepThought, PromptTemplate: "prior: {{steps.greet.output}}"},
		}},
	})
	f.putEntity(t, &entity.Entity{
		ID: "host", Name: "Host", Type: entity.TypeAgent,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Order: 1, Name: "greet", Type: entity.StepThought, PromptTemplate: "say hello"},
			{Order: 2, Name: "wrap", Type: entity.StepChildInvocation, ChildEntityID: "summarize"},
		}},
	})

	root := f.newRootRun(t, "host", "")
	_, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)

	// A template-less child invocation hands over the accumulated context
	// snapshot, so the child's own templates can address earlier sibling
	// outputs by step name.
	assert.Contains(t, f.provider.prompts(), "prior: echo: say hello")
}

func TestRootWithoutTraceAnchorsOwnID(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "anchor", Name: "Anchor", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "think", Type: entity.StepThought, PromptTemplate: "hi"},
		}},
	})

	r := &run.Run{
		ID: uuid.NewString(), EntityID: "anchor",
		EntityType: string(entity.TypeAction), TenantID: "t1",
		Status: run.StatusPending,
	}
	require.NoError(t, f.runs.Create(ctx, r))

	finished, err := f.coordinator.Execute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, finished.TraceID)

	got, err := f.runs.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.TraceID)
}

func TestRecursionLimit(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, func(cfg *Config) {
		cfg.MaxRecursionDepth = 2
	})

	// Self-referencing entity: the guard must stop the loop
	f.putEntity(t, &entity.Entity{
		ID: "ouroboros", Name: "Ouroboros", Type: entity.TypeProcess,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "again", Type: entity.StepChildInvocation, ChildEntityID: "ouroboros"},
		}},
	})

	root := f.newRootRun(t, "ouroboros", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "recursion limit")

	tree, err := f.runs.ListByTrace(ctx, root.TraceID)
	require.NoError(t, err)
	assert.Len(t, tree, 3) // depths 0, 1, 2; depth 3 was never created
}

func TestCostCeiling(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "spendy", Name: "Spendy", Type: entity.TypeSkill,
		Governance: entity.Governance{CostCeilingUSD: 0.3},
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "one", Order: 1, Type: entity.StepThought, PromptTemplate: "a"},
			{Name: "two", Order: 2, Type: entity.StepThought, PromptTemplate: "b"},
			{Name: "three", Order: 3, Type: entity.StepThought, PromptTemplate: "c"},
		}},
	})

	root := f.newRootRun(t, "spendy", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "cost ceiling")
	// Each step costs 0.2; the ceiling trips after the second
	assert.Len(t, f.provider.prompts(), 2)
}

func TestToolCallStep(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "math", Name: "Math", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "compute", Type: entity.StepToolCall, ToolID: "calculator",
				PromptTemplate: `{"expression": "6 * 7"}`},
		}},
	})

	root := f.newRootRun(t, "math", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, finished.Status)
	assert.Contains(t, string(finished.Output), "42")

	logs, err := f.runs.ListToolCalls(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "calculator", logs[0].ToolID)
	assert.Empty(t, logs[0].Error)
}

func TestOptionalStepFailureContinues(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "resilient", Name: "Resilient", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "flaky", Order: 1, Type: entity.StepToolCall, ToolID: "no-such-tool", Required: false},
			{Name: "carry-on", Order: 2, Type: entity.StepThought, PromptTemplate: "continue"},
		}},
	})

	root := f.newRootRun(t, "resilient", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, finished.Status)
	assert.Equal(t, []string{"continue"}, f.provider.prompts())
}

func TestRequiredStepFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "strict", Name: "Strict", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "must", Order: 1, Type: entity.StepToolCall, ToolID: "no-such-tool", Required: true},
			{Name: "never", Order: 2, Type: entity.StepThought, PromptTemplate: "unreachable"},
		}},
	})

	root := f.newRootRun(t, "strict", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "unknown tool")
	assert.Empty(t, f.provider.prompts())
}

type rejectingGate struct{}

func (rejectingGate) Decide(ctx context.Context, r *run.Run, step *entity.PlanStep) (run.ApprovalDecision, string, error) {
	return run.ApprovalRejected, "reviewer", nil
}

func TestApprovalCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, func(cfg *Config) {
		cfg.Gate = rejectingGate{}
	})

	f.putEntity(t, &entity.Entity{
		ID: "gated", Name: "Gated", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "sensitive", Type: entity.StepThought, PromptTemplate: "launch",
				Required: true, RequiresApproval: true},
		}},
	})

	root := f.newRootRun(t, "gated", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "rejected by reviewer")
	assert.Empty(t, f.provider.prompts())
}

func TestFailedChildFailsParent(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)
	f.provider.respond = func(req gateway.Request) (*gateway.Response, error) {
		return nil, fmt.Errorf("model offline")
	}

	f.putEntity(t, &entity.Entity{
		ID: "leaf", Name: "Leaf", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "think", Type: entity.StepThought, PromptTemplate: "x", Required: true},
		}},
	})
	f.putEntity(t, &entity.Entity{
		ID: "parent", Name: "Parent", Type: entity.TypeSkill,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "delegate", Type: entity.StepChildInvocation, ChildEntityID: "leaf", Required: true},
		}},
	})

	root := f.newRootRun(t, "parent", "")
	finished, err := f.coordinator.Execute(ctx, root.ID)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, finished.Status)

	tree, treeErr := f.runs.ListByTrace(ctx, root.TraceID)
	require.NoError(t, treeErr)
	require.Len(t, tree, 2)
	for _, r := range tree {
		assert.Equal(t, run.StatusFailed, r.Status)
	}
}

func TestRunEvents(t *testing.T) {
	ctx := context.Background()
	f := setupCoordinator(t, nil)

	f.putEntity(t, &entity.Entity{
		ID: "noisy", Name: "Noisy", Type: entity.TypeAction,
		Plan: entity.Plan{Steps: []entity.PlanStep{
			{Name: "speak", Type: entity.StepThought, PromptTemplate: "hi"},
		}},
	})

	root := f.newRootRun(t, "noisy", "")
	ch, cancel := f.hub.Subscribe(root.ID)
	defer cancel()

	_, err := f.coordinator.Execute(ctx, root.ID)
	require.NoError(t, err)

	var types []events.EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}

	joined := fmt.Sprint(types)
	assert.True(t, strings.Contains(joined, string(events.EventRunStarted)), joined)
	assert.True(t, strings.Contains(joined, string(events.EventStepStarted)), joined)
	assert.True(t, strings.Contains(joined, string(events.EventRunCompleted)), joined)
}

package entity

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies an entity's position in the composition hierarchy.
// Actions are atomic model calls; Skills, Agents and Processes orchestrate
// child entities through a plan.
type Type string

const (
	TypeAction  Type = "action"
	TypeSkill   Type = "skill"
	TypeAgent   Type = "agent"
	TypeProcess Type = "process"
)

// Status is the lifecycle state of an entity definition
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// StepType identifies how a plan step is dispatched. The set is closed;
// the dispatcher switches exhaustively over it.
type StepType string

const (
	StepThought         StepType = "thought"
	StepToolCall        StepType = "tool_call"
	StepChildInvocation StepType = "child_invocation"
)

// Directive tells the coordinator what to do when an exit condition matches
type Directive string

const (
	DirectiveContinue Directive = "continue"
	DirectiveEscalate Directive = "escalate"
	DirectiveEnd      Directive = "end"
)

// ExitCondition pairs a predicate with a control-flow directive. The base
// predicate language is a single substring check evaluated against the
// step's output.
type ExitCondition struct {
	Predicate string    `json:"predicate"`
	Directive Directive `json:"directive"`
}

// PlanStep is one unit of plan execution. Exactly one target field is set
// depending on Type: PromptTemplate for thought steps, ToolID for tool
// calls, ChildEntityID for child invocations.
type PlanStep struct {
	ID               string          `json:"id"`
	Order            int             `json:"order"`
	Name             string          `json:"name"`
	Type             StepType        `json:"type"`
	PromptTemplate   string          `json:"prompt_template,omitempty"`
	ToolID           string          `json:"tool_id,omitempty"`
	ChildEntityID    string          `json:"child_entity_id,omitempty"`
	Required         bool            `json:"required,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	ExitConditions   []ExitCondition `json:"exit_conditions,omitempty"`
}

// Plan is the ordered list of steps an entity executes when run
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// ReconcileStrategy selects how static and dynamic plans are merged
type ReconcileStrategy string

const (
	StrategyStaticPriority  ReconcileStrategy = "STATIC_PRIORITY"
	StrategyDynamicPriority ReconcileStrategy = "DYNAMIC_PRIORITY"
	StrategyHybrid          ReconcileStrategy = "HYBRID"
)

// ReasoningConfig selects the model provider and sampling parameters
type ReasoningConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Mode        string  `json:"mode,omitempty"` // standard, extended
}

// Governance holds per-entity execution limits. Zero values fall back to
// engine defaults.
type Governance struct {
	TimeoutMs         int64   `json:"timeout_ms,omitempty"`
	MaxRecursionDepth int     `json:"max_recursion_depth,omitempty"`
	CostCeilingUSD    float64 `json:"cost_ceiling_usd,omitempty"`
}

// Planning controls dynamic plan reconciliation. Disabled by default; the
// dynamic path is a stub contract.
type Planning struct {
	Dynamic  bool              `json:"dynamic,omitempty"`
	Strategy ReconcileStrategy `json:"strategy,omitempty"`
}

// Entity is a reusable, versioned behavior definition owned by a tenant.
// ParentID references the composition parent by id; the hierarchy is a tree
// by convention and is bounded at execution time by the recursion guard.
type Entity struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	Name      string           `json:"name"`
	Version   int              `json:"version"`
	Type      Type             `json:"type"`
	Status    Status           `json:"status"`
	ParentID  string           `json:"parent_id,omitempty"`
	Persona   string           `json:"persona,omitempty"`
	Plan      Plan             `json:"plan"`
	Reasoning *ReasoningConfig `json:"reasoning,omitempty"`
	// LLMConfig is the legacy flat reasoning configuration kept for
	// definitions written before Reasoning existed.
	LLMConfig  *ReasoningConfig `json:"llm_config,omitempty"`
	Governance Governance       `json:"governance,omitempty"`
	Planning   Planning         `json:"planning,omitempty"`
	CreatedAt  time.Time        `json:"created_at,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at,omitempty"`
}

// DefaultReasoning is used when an entity declares no reasoning config at all
var DefaultReasoning = ReasoningConfig{
	Provider:    "openai",
	Model:       "gpt-3.5-turbo",
	Temperature: 0.7,
}

// EffectiveReasoning resolves the reasoning configuration, preferring the
// nested config and falling back to the legacy flat one.
func (e *Entity) EffectiveReasoning() ReasoningConfig {
	if e.Reasoning != nil {
		return *e.Reasoning
	}
	if e.LLMConfig != nil {
		return *e.LLMConfig
	}
	return DefaultReasoning
}

// IsComposite reports whether the entity orchestrates children rather than
// performing a single model call.
func (e *Entity) IsComposite() bool {
	return e.Type != TypeAction
}

// Validate checks structural consistency of an entity definition
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errors.New("entity id is required")
	}
	if e.Name == "" {
		return errors.New("entity name is required")
	}
	switch e.Type {
	case TypeAction, TypeSkill, TypeAgent, TypeProcess:
	default:
		return fmt.Errorf("invalid entity type: %s", e.Type)
	}
	switch e.Status {
	case StatusDraft, StatusActive, StatusDeprecated, StatusArchived:
	default:
		return fmt.Errorf("invalid entity status: %s", e.Status)
	}
	for i := range e.Plan.Steps {
		if err := e.Plan.Steps[i].Validate(); err != nil {
			return fmt.Errorf("plan step %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks that a step declares the target matching its type
func (s *PlanStep) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	switch s.Type {
	case StepThought:
		if s.PromptTemplate == "" {
			return errors.New("thought step requires prompt_template")
		}
	case StepToolCall:
		if s.ToolID == "" {
			return errors.New("tool_call step requires tool_id")
		}
	case StepChildInvocation:
		// A missing child reference is deferred to dispatch time so the
		// failure surfaces on the run, but the directive set is checked here.
	default:
		return fmt.Errorf("invalid step type: %s", s.Type)
	}
	for _, ec := range s.ExitConditions {
		switch ec.Directive {
		case DirectiveContinue, DirectiveEscalate, DirectiveEnd:
		default:
			return fmt.Errorf("invalid exit directive: %s", ec.Directive)
		}
	}
	return nil
}

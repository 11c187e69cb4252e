package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveReasoning(t *testing.T) {
	t.Run("should prefer nested reasoning config", func(t *testing.T) {
		e := &Entity{
			Reasoning: &ReasoningConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			LLMConfig: &ReasoningConfig{Provider: "openai", Model: "gpt-4o"},
		}
		got := e.EffectiveReasoning()
		assert.Equal(t, "anthropic", got.Provider)
		assert.Equal(t, "claude-sonnet-4-20250514", got.Model)
	})

	t.Run("should fall back to legacy flat config", func(t *testing.T) {
		e := &Entity{LLMConfig: &ReasoningConfig{Provider: "openai", Model: "gpt-4o"}}
		got := e.EffectiveReasoning()
		assert.Equal(t, "gpt-4o", got.Model)
	})

	t.Run("should use defaults when nothing is configured", func(t *testing.T) {
		e := &Entity{}
		got := e.EffectiveReasoning()
		assert.Equal(t, DefaultReasoning, got)
	})
}

func TestEntityValidate(t *testing.T) {
	valid := func() *Entity {
		return &Entity{
			ID:     "joke-skill",
			Name:   "Joke Skill",
			Type:   TypeSkill,
			Status: StatusActive,
			Plan: Plan{Steps: []PlanStep{
				{Name: "draft", Type: StepThought, PromptTemplate: "Write a joke about {{topic}}"},
			}},
		}
	}

	t.Run("should accept a well formed entity", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Entity)
		wantErr string
	}{
		{"missing id", func(e *Entity) { e.ID = "" }, "id is required"},
		{"missing name", func(e *Entity) { e.Name = "" }, "name is required"},
		{"unknown type", func(e *Entity) { e.Type = "robot" }, "invalid entity type"},
		{"unknown status", func(e *Entity) { e.Status = "paused" }, "invalid entity status"},
		{"thought without template", func(e *Entity) {
			e.Plan.Steps[0].PromptTemplate = ""
		}, "prompt_template"},
		{"tool call without tool id", func(e *Entity) {
			e.Plan.Steps[0] = PlanStep{Name: "call", Type: StepToolCall}
		}, "tool_id"},
		{"unknown step type", func(e *Entity) {
			e.Plan.Steps[0] = PlanStep{Name: "x", Type: "teleport"}
		}, "invalid step type"},
		{"bad exit directive", func(e *Entity) {
			e.Plan.Steps[0].ExitConditions = []ExitCondition{{Predicate: "error", Directive: "retry"}}
		}, "invalid exit directive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("should allow child invocation without target", func(t *testing.T) {
		// Missing child references fail at dispatch time, not definition time.
		e := valid()
		e.Plan.Steps = append(e.Plan.Steps, PlanStep{Name: "delegate", Type: StepChildInvocation})
		assert.NoError(t, e.Validate())
	})
}

func TestIsComposite(t *testing.T) {
	assert.False(t, (&Entity{Type: TypeAction}).IsComposite())
	assert.True(t, (&Entity{Type: TypeSkill}).IsComposite())
	assert.True(t, (&Entity{Type: TypeAgent}).IsComposite())
	assert.True(t, (&Entity{Type: TypeProcess}).IsComposite())
}

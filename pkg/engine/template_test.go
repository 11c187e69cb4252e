package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	vars := map[string]interface{}{
		"topic": "penguins",
		"count": float64(3),
		"user": map[string]interface{}{
			"name": "Ada",
		},
		"steps": map[string]interface{}{
			"draft": map[string]interface{}{"output": "a rough joke"},
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"simple substitution", "Write about {{topic}}", "Write about penguins"},
		{"dotted path", "Hi {{user.name}}", "Hi Ada"},
		{"step output path", "Refine: {{steps.draft.output}}", "Refine: a rough joke"},
		{"integer formatting", "Give me {{count}} jokes", "Give me 3 jokes"},
		{"unresolved left verbatim", "Hello {{missing.var}}", "Hello {{missing.var}}"},
		{"whitespace tolerated", "About {{ topic }}", "About penguins"},
		{"multiple placeholders", "{{topic}} x{{count}}", "penguins x3"},
		{"no placeholders", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.template, vars))
		})
	}
}

func TestTemplateVars(t *testing.T) {
	t.Run("should flatten object input into the root", func(t *testing.T) {
		vars := TemplateVars(json.RawMessage(`{"topic": "cats", "n": 2}`), nil)
		assert.Equal(t, "cats", vars["topic"])
		assert.Equal(t, "cats", vars["input"].(map[string]interface{})["topic"])
	})

	t.Run("should keep non-object input under input", func(t *testing.T) {
		vars := TemplateVars(json.RawMessage(`"just a string"`), nil)
		assert.Equal(t, "just a string", vars["input"])
	})

	t.Run("should expose prior step outputs", func(t *testing.T) {
		vars := TemplateVars(nil, map[string]string{"draft": "v1"})
		assert.Equal(t, "Refine v1", RenderTemplate("Refine {{steps.draft.output}}", vars))
	})

	t.Run("should not let input shadow steps", func(t *testing.T) {
		vars := TemplateVars(json.RawMessage(`{"steps": "bogus"}`), map[string]string{"a": "x"})
		assert.Equal(t, "x", RenderTemplate("{{steps.a.output}}", vars))
	})

	t.Run("should merge inherited step outputs under own ones", func(t *testing.T) {
		input := json.RawMessage(`{"steps": {"greet": {"output": "hello"}, "a": {"output": "stale"}}}`)
		vars := TemplateVars(input, map[string]string{"a": "fresh"})
		assert.Equal(t, "hello", RenderTemplate("{{steps.greet.output}}", vars))
		assert.Equal(t, "fresh", RenderTemplate("{{steps.a.output}}", vars))
	})
}

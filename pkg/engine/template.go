package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// RenderTemplate substitutes {{dotted.path}} placeholders against a
// variable tree. Placeholders that resolve to nothing are left verbatim so
// a model sees exactly what the author wrote.
func RenderTemplate(template string, vars map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := resolvePath(vars, strings.Split(path, "."))
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func resolvePath(node interface{}, parts []string) (interface{}, bool) {
	current := node
	for _, part := range parts {
		switch m := current.(type) {
		case map[string]interface{}:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; print integers without a fraction
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// TemplateVars builds the variable tree for a step: the run input under
// "input" (flattened into the root when it is an object) and prior step
// outputs under "steps.<name>.output".
func TemplateVars(input json.RawMessage, stepOutputs map[string]string) map[string]interface{} {
	vars := map[string]interface{}{}

	if len(input) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(input, &decoded); err == nil {
			vars["input"] = decoded
			if obj, ok := decoded.(map[string]interface{}); ok {
				for k, v := range obj {
					if _, taken := vars[k]; !taken {
						vars[k] = v
					}
				}
			}
		} else {
			vars["input"] = string(input)
		}
	}

	// A child run's input may carry the parent's step outputs under
	// "steps"; the run's own outputs overlay them name by name.
	steps := map[string]interface{}{}
	if inherited, ok := vars["steps"].(map[string]interface{}); ok {
		for name, v := range inherited {
			steps[name] = v
		}
	}
	for name, output := range stepOutputs {
		steps[name] = map[string]interface{}{"output": output}
	}
	vars["steps"] = steps

	return vars
}

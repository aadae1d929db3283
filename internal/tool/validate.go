package tool

import (
	"encoding/json"
	"fmt"
)

// paramSchema is the subset of JSON Schema the tool surface uses:
// typed properties with a required list.
type paramSchema struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// ValidateInput checks raw call arguments against a tool's parameter
// schema before dispatch. The policy is reject: a failure never reaches
// the tool, it becomes a tool_error for that call.
func ValidateInput(schemaJSON, input json.RawMessage) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	var schema paramSchema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	var params map[string]any
	if len(input) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(input, &params); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}

	for name, value := range params {
		prop, ok := schema.Properties[name]
		if !ok {
			continue // unknown params pass through untyped
		}
		if err := checkType(name, prop.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, typ string, value any) error {
	ok := true
	switch typ {
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = value.(float64)
	case "integer":
		f, isNum := value.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("parameter %q is not a valid %s", name, typ)
	}
	return nil
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/agentflow"
)

// JSONInput defines the input parameters for the JSON agent
type JSONInput struct {
	Operation string `json:"operation"` // parse, query, merge
	Data      string `json:"data"`
	Query     string `json:"query"` // dot separated path, e.g. "items.0.name"
	MergeWith string `json:"merge_with"`
}

// JSONOutput defines the output of the JSON agent
type JSONOutput struct {
	Result any `json:"result"`
}

// JSONAgent parses structured text produced by earlier nodes, typically a
// model response, into values that conditions can inspect.
type JSONAgent struct{}

// NewJSONAgent returns the "json" agent.
func NewJSONAgent() agentflow.Agent {
	a := &JSONAgent{}
	return agentflow.TypedAgentFunction(a.Name(), a.Execute)
}

func (a *JSONAgent) Name() string {
	return "json"
}

func (a *JSONAgent) Execute(ctx context.Context, params JSONInput) (JSONOutput, error) {
	if params.Operation == "" {
		params.Operation = "parse"
	}
	var parsed any
	if err := json.Unmarshal([]byte(params.Data), &parsed); err != nil {
		return JSONOutput{}, agentflow.NewFatalError(fmt.Errorf("invalid JSON data: %w", err))
	}
	switch strings.ToLower(params.Operation) {
	case "parse":
		return JSONOutput{Result: parsed}, nil

	case "query":
		result, err := queryJSON(parsed, params.Query)
		if err != nil {
			return JSONOutput{}, agentflow.NewFatalError(err)
		}
		return JSONOutput{Result: result}, nil

	case "merge":
		base, ok := parsed.(map[string]any)
		if !ok {
			return JSONOutput{}, agentflow.NewFatalError(fmt.Errorf("merge requires a JSON object"))
		}
		var other map[string]any
		if err := json.Unmarshal([]byte(params.MergeWith), &other); err != nil {
			return JSONOutput{}, agentflow.NewFatalError(fmt.Errorf("failed to parse merge data: %w", err))
		}
		return JSONOutput{Result: mergeJSON(base, other)}, nil

	default:
		return JSONOutput{}, agentflow.NewFatalError(fmt.Errorf("unsupported operation: %s", params.Operation))
	}
}

// queryJSON performs a simple JSON query using dot notation
func queryJSON(data any, query string) (any, error) {
	query = strings.TrimPrefix(query, ".")
	if query == "" {
		return data, nil
	}
	current := data
	for _, part := range strings.Split(query, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, exists := v[part]
			if !exists {
				return nil, fmt.Errorf("key '%s' not found", part)
			}
			current = val
		case []any:
			var idx int
			if _, err := fmt.Sscanf(part, "%d", &idx); err != nil {
				return nil, fmt.Errorf("invalid array index '%s'", part)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot query into %T", current)
		}
	}
	return current, nil
}

// mergeJSON merges b into a, recursing into objects present in both.
func mergeJSON(a, b map[string]any) map[string]any {
	result := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if existing, ok := result[k].(map[string]any); ok {
			if vMap, ok := v.(map[string]any); ok {
				result[k] = mergeJSON(existing, vMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

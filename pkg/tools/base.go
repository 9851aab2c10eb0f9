// Package tools exposes knowledge store operations as named, schema-described
// functions that an agent runtime or the HTTP API can invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ArgumentError reports a missing or malformed tool argument.
type ArgumentError struct {
	Tool string
	Arg  string
	Msg  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %s: argument %q %s", e.Tool, e.Arg, e.Msg)
}

func ToolToSchema(tool Tool) map[string]interface{} {
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		},
	}
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// numberArg reads an optional numeric argument. JSON decoding yields float64;
// Go callers may pass ints.
func numberArg(tool string, args map[string]interface{}, name string) (float64, bool, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, &ArgumentError{Tool: tool, Arg: name, Msg: "must be a number"}
		}
		return f, true, nil
	}
	return 0, false, &ArgumentError{Tool: tool, Arg: name, Msg: "must be a number"}
}

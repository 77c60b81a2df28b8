package tools

import (
	"context"
	"encoding/json"
)

// Tool is one invocable tool definition fetched from the external
// tool-invocation service. Parameters holds the JSON schema for the tool's
// arguments, passed through to the model untouched.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Toolkit     string          `json:"toolkit"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolSet maps tool name to its definition.
type ToolSet map[string]Tool

// Merge copies other into the set, last write wins on name collisions.
func (ts ToolSet) Merge(other ToolSet) {
	for name, tool := range other {
		ts[name] = tool
	}
}

// Service is the external tool-invocation boundary: one List call per
// toolkit, one Execute call per tool invocation. Either may reject per call.
type Service interface {
	List(ctx context.Context, userID int64, toolkit string, limit int) ([]Tool, error)
	Execute(ctx context.Context, userID int64, name string, args json.RawMessage) (string, error)
}

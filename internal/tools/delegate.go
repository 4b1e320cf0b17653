package tools

import (
	"context"
	"encoding/json"
	"errors"
)

// Delegator runs a scoped task in a sub-agent and returns its final
// response. The subprocess transport implements this; the tool only sees
// the capability.
type Delegator interface {
	Delegate(ctx context.Context, task string, contextFiles []string, allowedTools []string) (string, error)
}

// DelegateTool hands a sub-task to a sub-agent subprocess with its own
// iteration budget. The delegation is recorded as a single tool result on
// the parent operation.
type DelegateTool struct {
	Delegator Delegator
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Description() string {
	return "Delegate a scoped sub-task (e.g. a long code search) to a sub-agent and return its result."
}
func (t *DelegateTool) Capability() Capability { return CapDelegation }

func (t *DelegateTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"task": map[string]any{
			"type":        "string",
			"description": "The task for the sub-agent to complete",
		},
		"context_files": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Specific files the sub-agent should examine",
		},
		"allowed_tools": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Tools the sub-agent may use (defaults to read-only tools)",
		},
	}, []string{"task"})
}

func (t *DelegateTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Task         string   `json:"task"`
		ContextFiles []string `json:"context_files"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Task == "" {
		return nil, errors.New("task is required")
	}
	if t.Delegator == nil {
		return nil, errors.New("delegation is not configured")
	}

	response, err := t.Delegator.Delegate(ctx, params.Task, params.ContextFiles, params.AllowedTools)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"response": response})
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

// ToolErrorKind classifies dispatch failures.
type ToolErrorKind string

const (
	ErrorUnknown     ToolErrorKind = "unknown_tool"
	ErrorInvalidArgs ToolErrorKind = "invalid_args"
	ErrorDenied      ToolErrorKind = "capability_denied"
	ErrorExecution   ToolErrorKind = "execution_failed"
)

// ToolError describes a failed dispatch. The engine feeds it back to the
// LLM as an error tool result; it never terminates the operation.
type ToolError struct {
	Kind    ToolErrorKind
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, e.Message)
}

// Router validates and executes named tool calls against a
// capability-scoped surface. Calls within one operation are serialized by
// the engine; the router itself holds no per-operation state beyond the
// grant set.
type Router struct {
	registry *Registry
	granted  map[Capability]bool
	logger   *observability.Logger

	// onExecute, when set, observes each dispatch's outcome and duration.
	onExecute func(tool, status string, duration time.Duration)
}

// NewRouter scopes the registry to the granted capabilities. A nil grant
// slice grants everything.
func NewRouter(registry *Registry, granted []Capability, logger *observability.Logger) *Router {
	var grantSet map[Capability]bool
	if granted != nil {
		grantSet = make(map[Capability]bool, len(granted))
		for _, c := range granted {
			grantSet[c] = true
		}
	}
	return &Router{
		registry: registry,
		granted:  grantSet,
		logger:   logger,
	}
}

// SetExecuteObserver registers a dispatch callback.
func (r *Router) SetExecuteObserver(fn func(tool, status string, duration time.Duration)) {
	r.onExecute = fn
}

// Tools returns the tools visible under the router's grant set.
func (r *Router) Tools() []Tool {
	return r.registry.List(r.granted)
}

// Execute validates and dispatches one tool call, returning a result keyed
// by the call id. Dispatch failures come back as error results, never as
// Go errors: the LLM self-corrects from them.
func (r *Router) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	result := r.execute(ctx, call)
	result.ToolCallID = call.ID
	result.Duration = time.Since(start)

	status := "success"
	if !result.Success {
		status = "error"
	}
	if r.onExecute != nil {
		r.onExecute(call.Name, status, result.Duration)
	}
	return result
}

func (r *Router) execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool, schema, ok := r.registry.Get(call.Name)
	if !ok {
		return errorResult(&ToolError{Kind: ErrorUnknown, Tool: call.Name, Message: "no such tool"})
	}

	if r.granted != nil && !r.granted[tool.Capability()] {
		r.logger.Warn(ctx, "tool call denied by capability scope",
			"tool", call.Name, "capability", string(tool.Capability()))
		return errorResult(&ToolError{Kind: ErrorDenied, Tool: call.Name,
			Message: fmt.Sprintf("capability %s not granted", tool.Capability())})
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errorResult(&ToolError{Kind: ErrorInvalidArgs, Tool: call.Name, Message: err.Error()})
	}
	if err := schema.Validate(decoded); err != nil {
		return errorResult(&ToolError{Kind: ErrorInvalidArgs, Tool: call.Name, Message: err.Error()})
	}

	output, err := tool.Execute(ctx, args)
	if err != nil {
		return errorResult(&ToolError{Kind: ErrorExecution, Tool: call.Name, Message: err.Error()})
	}
	if output == nil {
		output = json.RawMessage(`null`)
	}
	return models.ToolResult{Success: true, Result: output}
}

func errorResult(err *ToolError) models.ToolResult {
	return models.ToolResult{Success: false, Error: err.Error()}
}

// Package agents implements the sub-agent subprocess transport.
//
// The wire protocol is line-delimited JSON over stdin/stdout, one message
// object per newline-terminated line:
//
//  1. The parent sends an AgentRequest.
//  2. The child emits AgentResponse messages, discriminated by "type".
//  3. A tool_request is answered by the parent with a ToolResultMessage on
//     the same pipe, correlated by id.
//  4. complete or error ends the turn; the parent closes the pipe and
//     awaits process exit.
//
// Unknown fields are ignored for forward compatibility. A child must keep
// stdout pure JSON; diagnostics belong on stderr.
package agents

import (
	"encoding/json"
)

// AgentRequest starts a sub-agent turn.
type AgentRequest struct {
	// Task is what the sub-agent should accomplish.
	Task string `json:"task"`

	// Context carries additional free-form context.
	Context string `json:"context,omitempty"`

	// ContextFiles lists specific files to examine.
	ContextFiles []string `json:"context_files"`

	// AllowedTools restricts the tools the sub-agent may request.
	AllowedTools []string `json:"allowed_tools"`

	// MaxIterations bounds the sub-agent's own loop.
	MaxIterations int `json:"max_iterations"`

	// TimeoutMs is the sub-agent's wall-clock budget.
	TimeoutMs int64 `json:"timeout_ms"`
}

// Response type discriminators.
const (
	ResponseToolRequest = "tool_request"
	ResponseProgress    = "progress"
	ResponseStreaming   = "streaming"
	ResponseComplete    = "complete"
	ResponseError       = "error"
)

// AgentResponse is one message from the child, tagged by Type. Only the
// fields for the tagged variant are populated.
type AgentResponse struct {
	Type string `json:"type"`

	// tool_request
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// progress
	Iteration     int    `json:"iteration,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Activity      string `json:"activity,omitempty"`

	// streaming
	Content string `json:"content,omitempty"`

	// complete
	Response string `json:"response,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ToolResultMessage answers a tool_request.
type ToolResultMessage struct {
	Type    string          `json:"type"` // always "tool_result"
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewToolResultSuccess builds a success reply.
func NewToolResultSuccess(id string, result json.RawMessage) ToolResultMessage {
	return ToolResultMessage{Type: "tool_result", ID: id, Success: true, Result: result}
}

// NewToolResultError builds a failure reply.
func NewToolResultError(id, message string) ToolResultMessage {
	return ToolResultMessage{Type: "tool_result", ID: id, Success: false, Error: message}
}

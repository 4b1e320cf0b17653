// Package llm provides the chat provider abstraction and the SSE stream
// parser that turns a provider byte-stream into typed events.
package llm

import (
	"encoding/json"
)

// EventKind discriminates stream events.
type EventKind string

const (
	EventTextDelta         EventKind = "text_delta"
	EventReasoningDelta    EventKind = "reasoning_delta"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallArgsDelta EventKind = "tool_call_arguments_delta"
	EventToolCallComplete  EventKind = "tool_call_complete"
	EventDone              EventKind = "done"
	EventError             EventKind = "error"
)

// StreamEvent is one typed event from a model stream. Only the fields for
// the event's kind are populated.
type StreamEvent struct {
	Kind EventKind

	// Delta carries text for TextDelta/ReasoningDelta and the arguments
	// fragment for ToolCallArgsDelta.
	Delta string

	// ID and Name identify the tool call for the three tool-call kinds.
	ID   string
	Name string

	// Arguments is the structured value on ToolCallComplete.
	Arguments json.RawMessage

	// Done fields.
	ResponseID      string
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	FinalText       string

	// Message is the error description on Error events.
	Message string
}

package operations

import (
	"github.com/conarylabs/mira/pkg/models"
)

// EngineEventKind discriminates engine events streamed to the client.
type EngineEventKind string

const (
	EngineStatus       EngineEventKind = "status_change"
	EngineDelta        EngineEventKind = "stream_delta"
	EngineThinking     EngineEventKind = "thinking_delta"
	EngineToolStart    EngineEventKind = "tool_call_start"
	EngineToolResult   EngineEventKind = "tool_call_result"
	EngineArtifactPrev EngineEventKind = "artifact_preview"
	EngineArtifactDone EngineEventKind = "artifact_complete"
	EngineComplete     EngineEventKind = "chat_complete"
	EngineErrorEvent   EngineEventKind = "error"
)

// ChatOutcome carries the terminal payload of a successful turn.
type ChatOutcome struct {
	UserMessageID      int64             `json:"user_message_id"`
	AssistantMessageID int64             `json:"assistant_message_id"`
	Content            string            `json:"content"`
	Artifacts          []models.Artifact `json:"artifacts"`
	Thinking           string            `json:"thinking,omitempty"`
}

// EngineEvent is one event emitted by the operation engine. Events flow
// through a bounded channel; when the client is slow the engine's emit
// points suspend rather than drop.
type EngineEvent struct {
	Kind        EngineEventKind
	OperationID string

	// status_change
	Status models.OperationStatus
	Reason string

	// stream_delta / thinking_delta
	Delta string

	// tool events
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResult

	// artifact events
	Artifact *models.Artifact

	// chat_complete
	Outcome *ChatOutcome

	// error
	Err string
}

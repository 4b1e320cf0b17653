// Package models contains the shared value types exchanged between the
// memory service, the operation engine, and the connection fabric.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Session tracks one conversation. Sessions are created implicitly on the
// first message and deactivated when idle, never deleted.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
	Active       bool      `json:"active"`
}

// MemoryEntry is one persisted message. Rows are written once and mutated
// only to set the embedding flag or to attach late analysis.
type MemoryEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	HasEmbedding bool      `json:"has_embedding"`

	// Attached by the background analyzer after save.
	Salience *float64 `json:"salience,omitempty"`
	IsCode   bool     `json:"is_code"`
	Topics   []string `json:"topics,omitempty"`
	Heads    []string `json:"heads,omitempty"`
}

// OperationStatus is the lifecycle state of an operation. Completed,
// failed, and cancelled are terminal: no transition leaves them.
type OperationStatus string

const (
	StatusPending       OperationStatus = "pending"
	StatusPlanning      OperationStatus = "planning"
	StatusRunning       OperationStatus = "running"
	StatusToolExecuting OperationStatus = "tool_executing"
	StatusCompleted     OperationStatus = "completed"
	StatusFailed        OperationStatus = "failed"
	StatusCancelled     OperationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Operation kinds, stored as strings.
const (
	KindCodeGeneration   = "code_generation"
	KindCodeModification = "code_modification"
	KindCodeReview       = "code_review"
	KindRefactor         = "refactor"
	KindDebug            = "debug"
)

// Operation is one user-initiated turn, the unit of cancellation.
type Operation struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"kind"`
	Status      OperationStatus `json:"status"`
	UserMessage string          `json:"user_message"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TokenUsage  TokenUsage      `json:"token_usage"`
}

// TokenUsage accumulates provider-reported token counts across turns.
type TokenUsage struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
}

// Total returns input+output tokens (reasoning tokens are a subset of output).
func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
}

// Operation event types, stored as strings.
const (
	EventStatusChange     = "status_change"
	EventToolCallStart    = "tool_call_start"
	EventToolCallResult   = "tool_call_result"
	EventArtifactPreview  = "artifact_preview"
	EventArtifactComplete = "artifact_complete"
	EventLLMDelta         = "llm_delta"
	EventError            = "error"
)

// OperationEvent is one append-only log entry for an operation.
type OperationEvent struct {
	ID          int64           `json:"id"`
	OperationID string          `json:"operation_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ArtifactKind classifies a produced artifact.
type ArtifactKind string

const (
	ArtifactFile    ArtifactKind = "file"
	ArtifactSnippet ArtifactKind = "snippet"
	ArtifactDiff    ArtifactKind = "diff"
	ArtifactTest    ArtifactKind = "test"
)

// Artifact is a content blob produced by an operation. Artifacts live in the
// relational store until the client explicitly applies them to the workspace.
type Artifact struct {
	ID               string       `json:"id"`
	OperationID      string       `json:"operation_id"`
	Kind             ArtifactKind `json:"kind"`
	Path             string       `json:"path,omitempty"`
	Content          string       `json:"content"`
	ContentHash      string       `json:"content_hash"`
	Language         string       `json:"language,omitempty"`
	DiffFromPrevious string       `json:"diff_from_previous,omitempty"`
	Partial          bool         `json:"partial,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ToolCall is a structured request from the LLM to invoke a named tool.
// The ID is assigned by the provider stream and is unique per operation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult pairs a tool call with its outcome, keyed by the call ID.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration_ns,omitempty"`
}

// Classification is the derived routing decision for one message. It is not
// persisted as-is; its effects live in the entry's head flags and vectors.
type Classification struct {
	Salience       float64  `json:"salience"`
	IsCode         bool     `json:"is_code"`
	Language       string   `json:"language,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	SuggestedHeads []string `json:"suggested_heads,omitempty"`
}

// ScoredEntry is a memory entry with its fused recall score.
type ScoredEntry struct {
	Entry MemoryEntry `json:"entry"`
	Score float64     `json:"score"`
}

// RecallContext is the (recent, semantic) pair fed into the LLM system
// prompt. Recent preserves chronology; semantic is a ranking.
type RecallContext struct {
	Recent   []MemoryEntry `json:"recent"`
	Semantic []ScoredEntry `json:"semantic"`
}

// Package gateway implements the connection fabric: one duplex websocket
// per client, multiplexing chat turns, commands, token deltas, heartbeats,
// and lifecycle events.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conarylabs/mira/pkg/models"
)

// ClientMessage is one inbound frame, discriminated by Type. Command-style
// frames carry a request_id inside Params which is echoed on the reply.
type ClientMessage struct {
	Type string `json:"type"`

	// chat
	Content   string          `json:"content,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// command
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	// *_command
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// typing
	Active bool `json:"active,omitempty"`

	// status
	Message string `json:"message,omitempty"`
}

// Client frame types.
const (
	TypeChat                = "chat"
	TypeCommand             = "command"
	TypeStatus              = "status"
	TypeTyping              = "typing"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeProjectCommand      = "project_command"
	TypeMemoryCommand       = "memory_command"
	TypeGitCommand          = "git_command"
	TypeFileSystemCommand   = "file_system_command"
	TypeCodeIntelCommand    = "code_intelligence_command"
	TypeDocumentCommand     = "document_command"
	TypeTerminalCommand     = "terminal_command"
	TypeSessionCommand      = "session_command"
)

// commandTypes are the frames that carry params.request_id.
var commandTypes = map[string]bool{
	TypeProjectCommand:    true,
	TypeMemoryCommand:     true,
	TypeGitCommand:        true,
	TypeFileSystemCommand: true,
	TypeCodeIntelCommand:  true,
	TypeDocumentCommand:   true,
	TypeTerminalCommand:   true,
	TypeSessionCommand:    true,
}

// RequestID extracts params.request_id from a command frame, if present.
func (m *ClientMessage) RequestID() string {
	if !commandTypes[m.Type] || len(m.Params) == 0 {
		return ""
	}
	var params struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return ""
	}
	return params.RequestID
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type string `json:"type"`

	// status
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// error
	Code string `json:"code,omitempty"`

	// stream
	Delta string `json:"delta,omitempty"`

	// data
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`

	// chat_complete. Artifacts is a pointer so the field serializes as an
	// empty array on chat_complete frames and is absent everywhere else.
	UserMessageID      int64              `json:"user_message_id,omitempty"`
	AssistantMessageID int64              `json:"assistant_message_id,omitempty"`
	Content            string             `json:"content,omitempty"`
	Artifacts          *[]models.Artifact `json:"artifacts,omitempty"`
	Thinking           string             `json:"thinking,omitempty"`
}

// Outbound constructors.

func ConnectionReady() ServerMessage { return ServerMessage{Type: "connection_ready"} }
func Ping() ServerMessage            { return ServerMessage{Type: TypePing} }
func Pong() ServerMessage            { return ServerMessage{Type: TypePong} }

func Status(message, detail string) ServerMessage {
	return ServerMessage{Type: "status", Message: message, Detail: detail}
}

func ErrorMessage(message, code string) ServerMessage {
	return ServerMessage{Type: "error", Message: message, Code: code}
}

func Stream(delta string) ServerMessage {
	return ServerMessage{Type: "stream", Delta: delta}
}

func Data(payload any, requestID string) (ServerMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encode data frame: %w", err)
	}
	return ServerMessage{Type: "data", Data: raw, RequestID: requestID}, nil
}

func ChatComplete(userMessageID, assistantMessageID int64, content string, artifacts []models.Artifact, thinking string) ServerMessage {
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	return ServerMessage{
		Type:               "chat_complete",
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
		Content:            content,
		Artifacts:          &artifacts,
		Thinking:           thinking,
	}
}

// Frame validation. The base schema only pins the discriminator; per-type
// schemas tighten the frames that drive state.

var frameSchemas struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	chat    *jsonschema.Schema
}

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("client_frame", clientFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.base = base

		chat, err := jsonschema.CompileString("chat_frame", chatFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.chat = chat
	})
	return frameSchemas.initErr
}

// ValidateFrame checks a raw inbound frame against the schemas and decodes
// it. Malformed frames return an error; the connection survives them.
func ValidateFrame(raw []byte) (*ClientMessage, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if err := frameSchemas.base.Validate(payload); err != nil {
		return nil, err
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type == TypeChat {
		if err := frameSchemas.chat.Validate(payload); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const chatFrameSchema = `{
  "type": "object",
  "required": ["type", "content"],
  "properties": {
    "type": { "const": "chat" },
    "content": { "type": "string", "minLength": 1 },
    "project_id": { "type": "string" },
    "session_id": { "type": "string" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

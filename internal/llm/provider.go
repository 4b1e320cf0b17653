package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/conarylabs/mira/pkg/models"
)

// ChatMessage is one turn in the provider-side transcript.
type ChatMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef declares a tool to the provider.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest is a streaming completion request.
type ChatRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	Tools     []ToolDef     `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// Provider is the chat capability selected at startup. Implementations are
// safe for concurrent use; every Stream call owns an independent stream.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream starts a completion and returns the event channel. The channel
	// closes after a Done or Error event, or when ctx is cancelled.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// Complete runs a single non-streaming turn through a provider and returns
// the concatenated text. Used by the classifier and the summarizer.
func Complete(ctx context.Context, provider Provider, model, system, prompt string) (string, error) {
	events, err := provider.Stream(ctx, &ChatRequest{
		Model:    model,
		System:   system,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for event := range events {
		switch event.Kind {
		case EventTextDelta:
			text.WriteString(event.Delta)
		case EventError:
			return "", errors.New(event.Message)
		case EventDone:
			if text.Len() == 0 && event.FinalText != "" {
				return event.FinalText, nil
			}
		}
	}
	return text.String(), nil
}

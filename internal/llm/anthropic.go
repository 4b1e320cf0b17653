package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
}

// AnthropicProvider maps Anthropic's SDK stream onto the typed event
// vocabulary, so the engine consumes the same events regardless of which
// provider is configured.
type AnthropicProvider struct {
	client anthropic.Client
	config AnthropicConfig
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		config: config,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream starts the completion and translates SDK events.
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		for attempt := 0; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			done := p.processStream(ctx, stream, out)
			if done {
				return
			}
			err := stream.Err()
			if err == nil || attempt >= p.config.MaxRetries || ctx.Err() != nil {
				if err != nil {
					out <- StreamEvent{Kind: EventError, Message: err.Error()}
				}
				return
			}
			backoff := p.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// processStream translates one SDK stream. It returns true when the stream
// produced a terminal event and must not be retried.
func (p *AnthropicProvider) processStream(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}, out chan<- StreamEvent) bool {
	defer stream.Close()

	var currentToolID, currentToolName string
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int64
	emitted := false

	emit := func(event StreamEvent) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage := event.AsMessageStart().Message.Usage
			if usage.InputTokens > 0 {
				inputTokens = usage.InputTokens
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				currentToolInput.Reset()
				if !emit(StreamEvent{Kind: EventToolCallStart, ID: currentToolID, Name: currentToolName}) {
					return true
				}
				emitted = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(StreamEvent{Kind: EventTextDelta, Delta: delta.Text}) {
						return true
					}
					emitted = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(StreamEvent{Kind: EventReasoningDelta, Delta: delta.Thinking}) {
						return true
					}
					emitted = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					if !emit(StreamEvent{Kind: EventToolCallArgsDelta, ID: currentToolID, Delta: delta.PartialJSON}) {
						return true
					}
					emitted = true
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				arguments := currentToolInput.String()
				if arguments == "" {
					arguments = "{}"
				}
				emit(StreamEvent{
					Kind:      EventToolCallComplete,
					ID:        currentToolID,
					Name:      currentToolName,
					Arguments: json.RawMessage(arguments),
				})
				currentToolID, currentToolName = "", ""
				currentToolInput.Reset()
				emitted = true
			}

		case "message_delta":
			usage := event.AsMessageDelta().Usage
			if usage.OutputTokens > 0 {
				outputTokens = usage.OutputTokens
			}

		case "message_stop":
			emit(StreamEvent{
				Kind:         EventDone,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return true
		}
	}

	// A stream that produced events and then failed cannot be retried
	// without duplicating output.
	return emitted && stream.Err() != nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			body := string(toolResult.Result)
			if toolResult.Error != "" {
				body = toolResult.Error
			}
			content = append(content, anthropic.NewToolResultBlock(toolResult.ToolCallID, body, !toolResult.Success))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

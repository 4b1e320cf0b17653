package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/conarylabs/mira/internal/observability"
)

// OpenAIWireConfig configures the openai-wire streaming provider.
type OpenAIWireConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration

	// IdleTimeout aborts the stream when no parsed event arrives for this
	// long. Only a complete event resets it; bytes of a line that is still
	// being received do not.
	IdleTimeout time.Duration
}

// OpenAIWireProvider streams completions over the responses-style SSE wire
// and feeds the bytes through the stream parser. The concrete wire format
// matters only as far as the parser's event mapping; everything downstream
// sees typed events.
type OpenAIWireProvider struct {
	config OpenAIWireConfig
	client *http.Client
	parser *StreamParser
	logger *observability.Logger
}

var _ Provider = (*OpenAIWireProvider)(nil)

// NewOpenAIWireProvider creates the provider.
func NewOpenAIWireProvider(config OpenAIWireConfig, logger *observability.Logger) (*OpenAIWireProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai-wire: API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 90 * time.Second
	}
	return &OpenAIWireProvider{
		config: config,
		client: &http.Client{},
		parser: NewStreamParser(logger),
		logger: logger,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIWireProvider) Name() string { return "openai-wire" }

// Stream starts the completion. The HTTP connection is retried with
// exponential backoff; once the stream is open, errors surface as Error
// events instead.
func (p *OpenAIWireProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	body, err := p.marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("openai-wire: encode request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = p.post(ctx, body)
		if err == nil {
			break
		}
		if attempt >= p.config.MaxRetries || ctx.Err() != nil {
			return nil, fmt.Errorf("openai-wire: %w", err)
		}
		backoff := p.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make(chan StreamEvent, 16)
	go p.pump(ctx, resp.Body, out)
	return out, nil
}

func (p *OpenAIWireProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.config.BaseURL, "/")+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// pump parses the body, reassembles streamed tool-call arguments, and
// forwards events. An idle watchdog aborts streams that go silent.
func (p *OpenAIWireProvider) pump(ctx context.Context, body io.ReadCloser, out chan<- StreamEvent) {
	defer close(out)
	defer body.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := p.parser.Parse(streamCtx, body)
	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	names := make(map[string]string)
	args := make(map[string]*strings.Builder)
	completed := make(map[string]bool)
	var order []string

	// send respects cancellation so a consumer that stops reading never
	// strands this goroutine.
	send := func(event StreamEvent) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)

			switch event.Kind {
			case EventToolCallStart:
				if _, seen := names[event.ID]; !seen {
					order = append(order, event.ID)
				}
				names[event.ID] = event.Name
				if !send(event) {
					return
				}

			case EventToolCallArgsDelta:
				builder, ok := args[event.ID]
				if !ok {
					builder = &strings.Builder{}
					args[event.ID] = builder
				}
				builder.WriteString(event.Delta)
				if !send(event) {
					return
				}

			case EventToolCallComplete:
				completed[event.ID] = true
				if !send(event) {
					return
				}

			case EventDone:
				// A call whose arguments only ever arrived as deltas is
				// completed here, in start order, before Done.
				for _, id := range order {
					if completed[id] {
						continue
					}
					raw := "{}"
					if builder := args[id]; builder != nil && builder.Len() > 0 {
						raw = builder.String()
					}
					if !json.Valid([]byte(raw)) {
						send(StreamEvent{Kind: EventError,
							Message: fmt.Sprintf("tool call %s: unparsable arguments", id)})
						return
					}
					if !send(StreamEvent{
						Kind:      EventToolCallComplete,
						ID:        id,
						Name:      names[id],
						Arguments: json.RawMessage(raw),
					}) {
						return
					}
				}
				send(event)
				return

			case EventError:
				send(event)
				return

			default:
				if !send(event) {
					return
				}
			}

		case <-idle.C:
			send(StreamEvent{Kind: EventError, Message: "stream idle timeout"})
			return

		case <-ctx.Done():
			return
		}
	}
}

func (p *OpenAIWireProvider) marshalRequest(req *ChatRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	type wireTool struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	tools := make([]wireTool, 0, len(req.Tools))
	for _, tool := range req.Tools {
		tools = append(tools, wireTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}

	payload := map[string]any{
		"model":  model,
		"stream": true,
		"input":  req.Messages,
	}
	if req.System != "" {
		payload["instructions"] = req.System
	}
	if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	return json.Marshal(payload)
}

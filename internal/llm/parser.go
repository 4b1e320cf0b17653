package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/conarylabs/mira/internal/observability"
)

// StreamParser consumes a server-sent-events byte stream framed as
// "data: <json>" lines with an out-of-band "data: [DONE]" sentinel, and
// emits typed events in arrival order. Malformed JSON lines are skipped
// with a warning; they are never fatal.
type StreamParser struct {
	logger *observability.Logger
}

// NewStreamParser creates a parser. logger may be nil.
func NewStreamParser(logger *observability.Logger) *StreamParser {
	return &StreamParser{logger: logger}
}

// Parse reads the stream and sends events on the returned channel, which is
// closed when the stream ends or ctx is cancelled. The [DONE] sentinel
// produces no event and does not end the read. Order per tool-call id is
// preserved so
// arguments can be reassembled downstream.
func (p *StreamParser) Parse(ctx context.Context, r io.Reader) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimRight(scanner.Text(), "\r")
			event, ok := p.parseLine(ctx, line)
			if !ok {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- StreamEvent{Kind: EventError, Message: err.Error()}
		}
	}()

	return events
}

// parseLine translates one SSE line into at most one event.
func (p *StreamParser) parseLine(ctx context.Context, line string) (StreamEvent, bool) {
	if !strings.HasPrefix(line, "data: ") {
		return StreamEvent{}, false
	}
	data := line[len("data: "):]
	if data == "[DONE]" {
		return StreamEvent{}, false
	}

	var frame map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		if p.logger != nil {
			p.logger.Warn(ctx, "skipping malformed stream line", "error", err)
		}
		return StreamEvent{}, false
	}

	if status := stringField(frame, "status"); status == "completed" {
		return p.parseDone(frame), true
	}

	if raw, ok := frame["error"]; ok {
		var errObj struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &errObj)
		if errObj.Message == "" {
			errObj.Message = "unknown error"
		}
		return StreamEvent{Kind: EventError, Message: errObj.Message}, true
	}

	raw, ok := frame["output"]
	if !ok {
		return StreamEvent{}, false
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return StreamEvent{}, false
	}
	for _, item := range items {
		if event, ok := p.parseOutputItem(item); ok {
			return event, true
		}
	}
	return StreamEvent{}, false
}

func (p *StreamParser) parseDone(frame map[string]json.RawMessage) StreamEvent {
	event := StreamEvent{
		Kind:       EventDone,
		ResponseID: stringField(frame, "id"),
	}
	if raw, ok := frame["usage"]; ok {
		var usage struct {
			InputTokens         int64 `json:"input_tokens"`
			OutputTokens        int64 `json:"output_tokens"`
			OutputTokensDetails struct {
				ReasoningTokens int64 `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		}
		_ = json.Unmarshal(raw, &usage)
		event.InputTokens = usage.InputTokens
		event.OutputTokens = usage.OutputTokens
		event.ReasoningTokens = usage.OutputTokensDetails.ReasoningTokens
	}
	if raw, ok := frame["output"]; ok {
		var items []struct {
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
			event.FinalText = items[0].Arguments
		}
	}
	return event
}

func (p *StreamParser) parseOutputItem(item map[string]json.RawMessage) (StreamEvent, bool) {
	switch stringField(item, "type") {
	case "message_delta":
		var content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if raw, ok := item["content"]; ok {
			_ = json.Unmarshal(raw, &content)
		}
		for _, block := range content {
			if block.Type == "text_delta" {
				return StreamEvent{Kind: EventTextDelta, Delta: block.Text}, true
			}
		}

	case "reasoning_delta":
		if text := stringField(item, "text"); text != "" {
			return StreamEvent{Kind: EventReasoningDelta, Delta: text}, true
		}

	case "tool_call_delta", "custom_tool_call_delta":
		id := stringField(item, "id")
		if id == "" {
			id = stringField(item, "call_id")
		}
		if name := stringField(item, "name"); name != "" {
			return StreamEvent{Kind: EventToolCallStart, ID: id, Name: name}, true
		}
		delta := stringField(item, "arguments_delta")
		if delta == "" {
			delta = stringField(item, "delta")
		}
		if delta != "" {
			return StreamEvent{Kind: EventToolCallArgsDelta, ID: id, Delta: delta}, true
		}

	case "tool_call", "custom_tool_call":
		id := stringField(item, "id")
		if id == "" {
			id = stringField(item, "call_id")
		}
		arguments := item["arguments"]
		if arguments == nil {
			arguments = item["input"]
		}
		return StreamEvent{
			Kind:      EventToolCallComplete,
			ID:        id,
			Name:      stringField(item, "name"),
			Arguments: arguments,
		}, true
	}
	return StreamEvent{}, false
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

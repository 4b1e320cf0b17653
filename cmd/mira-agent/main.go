// Command mira-agent is the sub-agent subprocess. It speaks the
// line-delimited JSON protocol on stdin/stdout: an AgentRequest in, a
// stream of tagged responses out, with tool execution proxied back to the
// parent. Stdout carries protocol lines only; diagnostics go to stderr.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/conarylabs/mira/internal/agents"
	"github.com/conarylabs/mira/internal/llm"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv("MIRA_AGENT_LOG_LEVEL"),
		Format: "text",
		Output: os.Stderr,
	})

	if err := run(logger); err != nil {
		emit(agents.AgentResponse{Type: agents.ResponseError, Message: err.Error()})
		os.Exit(1)
	}
}

func run(logger *observability.Logger) error {
	stdin := bufio.NewScanner(os.Stdin)
	stdin.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !stdin.Scan() {
		return fmt.Errorf("no request on stdin")
	}
	var req agents.AgentRequest
	if err := json.Unmarshal(stdin.Bytes(), &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = 25
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = 300000
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutMs)*time.Millisecond)
	defer cancel()

	provider, err := buildProvider(logger)
	if err != nil {
		return err
	}

	// Single stdin reader: delivers tool results to whoever is waiting.
	toolResults := make(chan agents.ToolResultMessage, 4)
	go func() {
		defer close(toolResults)
		for stdin.Scan() {
			line := strings.TrimSpace(stdin.Text())
			if line == "" {
				continue
			}
			var result agents.ToolResultMessage
			if err := json.Unmarshal([]byte(line), &result); err != nil {
				logger.Warn(ctx, "unparsable parent line", "error", err)
				continue
			}
			toolResults <- result
		}
	}()

	return loop(ctx, provider, req, toolResults, logger)
}

// loop is the sub-agent's own bounded LLM loop. Tool calls are proxied to
// the parent as tool_request lines and awaited by id.
func loop(ctx context.Context, provider llm.Provider, req agents.AgentRequest, toolResults <-chan agents.ToolResultMessage, logger *observability.Logger) error {
	system := buildSystem(req)
	transcript := []llm.ChatMessage{{Role: "user", Content: req.Task}}
	toolDefs := proxyToolDefs(req.AllowedTools)

	for iteration := 0; iteration < req.MaxIterations; iteration++ {
		emit(agents.AgentResponse{
			Type:          agents.ResponseProgress,
			Iteration:     iteration + 1,
			MaxIterations: req.MaxIterations,
			Activity:      "thinking",
		})

		stream, err := provider.Stream(ctx, &llm.ChatRequest{
			System:   system,
			Messages: transcript,
			Tools:    toolDefs,
		})
		if err != nil {
			return err
		}

		var text strings.Builder
		var toolCalls []models.ToolCall
		for event := range stream {
			switch event.Kind {
			case llm.EventTextDelta:
				text.WriteString(event.Delta)
				emit(agents.AgentResponse{Type: agents.ResponseStreaming, Content: event.Delta})
			case llm.EventToolCallComplete:
				toolCalls = append(toolCalls, models.ToolCall{
					ID:        event.ID,
					Name:      event.Name,
					Arguments: event.Arguments,
				})
			case llm.EventError:
				return fmt.Errorf("provider: %s", event.Message)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if len(toolCalls) == 0 {
			emit(agents.AgentResponse{Type: agents.ResponseComplete, Response: text.String()})
			return nil
		}

		var results []models.ToolResult
		for _, call := range toolCalls {
			emit(agents.AgentResponse{
				Type:      agents.ResponseToolRequest,
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
			result, err := awaitResult(ctx, toolResults, call.ID, logger)
			if err != nil {
				return err
			}
			results = append(results, result)
		}

		transcript = append(transcript, llm.ChatMessage{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: toolCalls,
		})
		transcript = append(transcript, llm.ChatMessage{Role: "tool", ToolResults: results})
	}

	return fmt.Errorf("reached max iterations: %d", req.MaxIterations)
}

// awaitResult blocks for the parent's tool_result with the matching id.
func awaitResult(ctx context.Context, toolResults <-chan agents.ToolResultMessage, id string, logger *observability.Logger) (models.ToolResult, error) {
	for {
		select {
		case result, ok := <-toolResults:
			if !ok {
				return models.ToolResult{}, fmt.Errorf("parent closed the pipe")
			}
			if result.ID != id {
				logger.Warn(ctx, "dropping out-of-order tool result", "id", result.ID, "want", id)
				continue
			}
			return models.ToolResult{
				ToolCallID: result.ID,
				Success:    result.Success,
				Result:     result.Result,
				Error:      result.Error,
			}, nil
		case <-ctx.Done():
			return models.ToolResult{}, ctx.Err()
		}
	}
}

func buildSystem(req agents.AgentRequest) string {
	var b strings.Builder
	b.WriteString("You are a focused sub-agent. Complete the delegated task and answer concisely.\n")
	if req.Context != "" {
		b.WriteString("\nContext: " + req.Context + "\n")
	}
	if len(req.ContextFiles) > 0 {
		b.WriteString("\nExamine these files first: " + strings.Join(req.ContextFiles, ", ") + "\n")
	}
	return b.String()
}

// proxyToolDefs declares the parent-executed tools the sub-agent may call.
// Arguments are validated by the parent's router; here the schemas stay
// permissive.
func proxyToolDefs(allowed []string) []llm.ToolDef {
	known := map[string]string{
		"read_file":       "Read a file from the workspace.",
		"list_dir":        "List entries of a workspace directory.",
		"search_codebase": "Search workspace files for a regular expression.",
	}
	names := allowed
	if len(names) == 0 {
		names = []string{"read_file", "list_dir", "search_codebase"}
	}

	var defs []llm.ToolDef
	for _, name := range names {
		description, ok := known[name]
		if !ok {
			description = "Tool executed by the parent process."
		}
		schema, _ := json.Marshal(map[string]any{"type": "object", "additionalProperties": true})
		defs = append(defs, llm.ToolDef{Name: name, Description: description, Schema: schema})
	}
	return defs
}

func buildProvider(logger *observability.Logger) (llm.Provider, error) {
	if key := os.Getenv("MIRA_LLM_API_KEY"); key != "" {
		switch os.Getenv("MIRA_LLM_PROVIDER") {
		case "anthropic":
			return llm.NewAnthropicProvider(llm.AnthropicConfig{
				APIKey: key,
				Model:  os.Getenv("MIRA_LLM_MODEL"),
			})
		default:
			return llm.NewOpenAIWireProvider(llm.OpenAIWireConfig{
				APIKey:  key,
				BaseURL: os.Getenv("MIRA_LLM_BASE_URL"),
				Model:   os.Getenv("MIRA_LLM_MODEL"),
			}, logger)
		}
	}
	return nil, fmt.Errorf("MIRA_LLM_API_KEY is not set")
}

// emit writes one protocol line to stdout.
func emit(resp agents.AgentResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

package agents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRequestRoundTrip(t *testing.T) {
	req := AgentRequest{
		Task:          "Find all functions",
		Context:       "Looking in internal/",
		ContextFiles:  []string{"internal/memory/store.go"},
		AllowedTools:  []string{"read_file", "search_codebase"},
		MaxIterations: 10,
		TimeoutMs:     60000,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var parsed AgentRequest
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, req, parsed)
}

func TestToolRequestSerialization(t *testing.T) {
	resp := AgentResponse{
		Type:      ResponseToolRequest,
		ID:        "call_123",
		Name:      "read_file",
		Arguments: json.RawMessage(`{"path":"main.go"}`),
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tool_request")
	assert.Contains(t, string(data), "read_file")

	var parsed AgentResponse
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "call_123", parsed.ID)
}

func TestCompleteResponseRoundTrip(t *testing.T) {
	resp := AgentResponse{Type: ResponseComplete, Response: "found 3"}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var parsed AgentResponse
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, ResponseComplete, parsed.Type)
	assert.Equal(t, "found 3", parsed.Response)
}

func TestToolResultMessages(t *testing.T) {
	success := NewToolResultSuccess("call_1", json.RawMessage(`{"content":"data"}`))
	assert.True(t, success.Success)
	assert.Equal(t, "tool_result", success.Type)
	assert.NotNil(t, success.Result)

	failure := NewToolResultError("call_2", "file not found")
	assert.False(t, failure.Success)
	assert.Equal(t, "file not found", failure.Error)
	assert.Nil(t, failure.Result)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	line := `{"type":"complete","response":"done","future_field":{"nested":true}}`
	var parsed AgentResponse
	require.NoError(t, json.Unmarshal([]byte(line), &parsed))
	assert.Equal(t, "done", parsed.Response)
}

package agents

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

func transportLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

// shellAgent builds a transport whose child is a shell script speaking the
// protocol, which keeps these tests free of any model dependency.
func shellAgent(t *testing.T, script string, executor ToolExecutor) *Transport {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-backed sub-agent tests need a POSIX shell")
	}
	return NewTransport(TransportConfig{
		Binary:    "/bin/sh",
		Args:      []string{"-c", script},
		Timeout:   10 * time.Second,
		KillGrace: time.Second,
	}, executor, transportLogger())
}

// scriptedExecutor answers every tool call with a fixed payload.
type scriptedExecutor struct {
	calls []models.ToolCall
}

func (e *scriptedExecutor) Execute(_ context.Context, call models.ToolCall) models.ToolResult {
	e.calls = append(e.calls, call)
	return models.ToolResult{
		ToolCallID: call.ID,
		Success:    true,
		Result:     json.RawMessage(`{"matches":3}`),
	}
}

func TestRunCompletes(t *testing.T) {
	script := `read request
echo '{"type":"progress","iteration":1,"max_iterations":5,"activity":"scanning"}'
echo '{"type":"complete","response":"all done"}'`

	transport := shellAgent(t, script, nil)
	var progress []string
	transport.OnProgress = func(_, _ int, activity string) {
		progress = append(progress, activity)
	}

	result, err := transport.Run(context.Background(), AgentRequest{Task: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "all done", result.Response)
	assert.Equal(t, []string{"scanning"}, progress)
}

func TestRunServicesToolRequests(t *testing.T) {
	// The child asks for one tool and echoes back whether the parent's
	// reply arrived with the matching id.
	script := `read request
echo '{"type":"tool_request","id":"t1","name":"search_codebase","arguments":{"pattern":"TODO"}}'
read reply
case "$reply" in
  *'"id":"t1"'*'"success":true'*) echo '{"type":"complete","response":"found 3"}' ;;
  *) echo '{"type":"error","message":"bad reply"}' ;;
esac`

	executor := &scriptedExecutor{}
	transport := shellAgent(t, script, executor)

	result, err := transport.Run(context.Background(), AgentRequest{Task: "find all TODO comments"})
	require.NoError(t, err)
	assert.Equal(t, "found 3", result.Response)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, "t1", executor.calls[0].ID)
	assert.Equal(t, "search_codebase", executor.calls[0].Name)
}

func TestRunSurfacesChildError(t *testing.T) {
	script := `read request
echo '{"type":"error","message":"task impossible"}'`

	transport := shellAgent(t, script, nil)
	_, err := transport.Run(context.Background(), AgentRequest{Task: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task impossible")
}

func TestRunIgnoresNonProtocolLinesAndUnknownTypes(t *testing.T) {
	script := `read request
echo 'this is not json'
echo '{"type":"future_thing","data":1}'
echo '{"type":"complete","response":"ok"}'`

	transport := shellAgent(t, script, nil)
	result, err := transport.Run(context.Background(), AgentRequest{Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Response)
}

func TestRunTimesOutSlowChild(t *testing.T) {
	script := `read request
sleep 30`

	transport := shellAgent(t, script, nil)
	start := time.Now()
	_, err := transport.Run(context.Background(), AgentRequest{Task: "x", TimeoutMs: 200})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunFailsOnSilentPipeClose(t *testing.T) {
	script := `read request
exit 0`

	transport := shellAgent(t, script, nil)
	_, err := transport.Run(context.Background(), AgentRequest{Task: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
}

func TestStreamingForwarded(t *testing.T) {
	script := `read request
echo '{"type":"streaming","content":"partial "}'
echo '{"type":"streaming","content":"output"}'
echo '{"type":"complete","response":"partial output"}'`

	transport := shellAgent(t, script, nil)
	var streamed string
	transport.OnStreaming = func(content string) { streamed += content }

	result, err := transport.Run(context.Background(), AgentRequest{Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "partial output", result.Response)
	assert.Equal(t, "partial output", streamed)
}

package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

// ToolExecutor re-enters the tool router for the child's tool requests.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
}

// TransportConfig configures spawned sub-agents.
type TransportConfig struct {
	// Binary is the sub-agent executable.
	Binary string

	// Args are passed to every spawn.
	Args []string

	// MaxIterations is the default iteration budget. Default: 25.
	MaxIterations int

	// Timeout is the default wall-clock budget. Default: 5m.
	Timeout time.Duration

	// KillGrace is how long after closing stdin the child may keep
	// running before it is killed. Default: 5s.
	KillGrace time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.Binary == "" {
		c.Binary = "mira-agent"
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Result is the sub-agent's terminal outcome.
type Result struct {
	Response string
}

// Transport spawns sub-agent subprocesses and speaks the line-delimited
// JSON protocol with them. One Run per subprocess; the transport itself is
// reusable and concurrency-safe.
type Transport struct {
	config   TransportConfig
	executor ToolExecutor
	logger   *observability.Logger

	// OnProgress and OnStreaming observe child activity when set.
	OnProgress  func(iteration, maxIterations int, activity string)
	OnStreaming func(content string)
}

// NewTransport creates a transport.
func NewTransport(config TransportConfig, executor ToolExecutor, logger *observability.Logger) *Transport {
	return &Transport{
		config:   config.withDefaults(),
		executor: executor,
		logger:   logger,
	}
}

// Run spawns the child, sends the request, services tool requests, and
// returns the terminal result. On ctx cancellation stdin is closed first;
// a child that does not exit within the grace period is killed.
func (t *Transport) Run(ctx context.Context, req AgentRequest) (*Result, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = t.config.MaxIterations
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = t.config.Timeout.Milliseconds()
	}
	if req.ContextFiles == nil {
		req.ContextFiles = []string{}
	}
	if req.AllowedTools == nil {
		req.AllowedTools = []string{}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.Command(t.config.Binary, t.config.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	go t.drainStderr(runCtx, stderr)

	var writeMu sync.Mutex
	writeLine := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = stdin.Write(append(data, '\n'))
		return err
	}

	if err := writeLine(req); err != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send agent request: %w", err)
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		done <- t.readLoop(runCtx, stdout, writeLine)
	}()

	select {
	case out := <-done:
		stdin.Close()
		waitErr := t.waitWithGrace(cmd)
		if out.err != nil {
			return nil, out.err
		}
		if waitErr != nil && out.result == nil {
			return nil, waitErr
		}
		return out.result, nil

	case <-runCtx.Done():
		// Cooperative shutdown: close stdin, give the child its grace
		// period, then kill.
		stdin.Close()
		if err := t.waitWithGrace(cmd); err != nil {
			t.logger.Warn(ctx, "sub-agent did not exit cleanly", "error", err)
		}
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("sub-agent timed out after %dms", req.TimeoutMs)
		}
		return nil, runCtx.Err()
	}
}

// readLoop consumes child messages until a terminal one arrives.
func (t *Transport) readLoop(ctx context.Context, stdout io.Reader, writeLine func(any) error) (out struct {
	result *Result
	err    error
}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp AgentResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.logger.Warn(ctx, "sub-agent emitted non-protocol line", "error", err)
			continue
		}

		switch resp.Type {
		case ResponseToolRequest:
			reply := t.handleToolRequest(ctx, resp)
			if err := writeLine(reply); err != nil {
				out.err = fmt.Errorf("send tool result: %w", err)
				return out
			}

		case ResponseProgress:
			if t.OnProgress != nil {
				t.OnProgress(resp.Iteration, resp.MaxIterations, resp.Activity)
			}

		case ResponseStreaming:
			if t.OnStreaming != nil {
				t.OnStreaming(resp.Content)
			}

		case ResponseComplete:
			out.result = &Result{Response: resp.Response}
			return out

		case ResponseError:
			out.err = fmt.Errorf("sub-agent error: %s", resp.Message)
			return out

		default:
			// Unknown types are ignored for forward compatibility.
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		out.err = fmt.Errorf("read sub-agent stream: %w", err)
		return out
	}
	out.err = errors.New("sub-agent closed the pipe without a terminal message")
	return out
}

func (t *Transport) handleToolRequest(ctx context.Context, resp AgentResponse) ToolResultMessage {
	if t.executor == nil {
		return NewToolResultError(resp.ID, "no tool executor configured")
	}
	result := t.executor.Execute(ctx, models.ToolCall{
		ID:        resp.ID,
		Name:      resp.Name,
		Arguments: resp.Arguments,
	})
	if !result.Success {
		return NewToolResultError(resp.ID, result.Error)
	}
	return NewToolResultSuccess(resp.ID, result.Result)
}

// waitWithGrace waits for the child, killing it after the grace period.
func (t *Transport) waitWithGrace(cmd *exec.Cmd) error {
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(t.config.KillGrace):
		_ = cmd.Process.Kill()
		return <-waited
	}
}

func (t *Transport) drainStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			t.logger.Debug(ctx, "sub-agent stderr", "line", line)
		}
	}
}

// Delegate implements the delegation tool's contract: one task in, the
// child's final response out.
func (t *Transport) Delegate(ctx context.Context, task string, contextFiles, allowedTools []string) (string, error) {
	result, err := t.Run(ctx, AgentRequest{
		Task:         task,
		ContextFiles: contextFiles,
		AllowedTools: allowedTools,
	})
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

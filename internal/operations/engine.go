package operations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/conarylabs/mira/internal/artifacts"
	"github.com/conarylabs/mira/internal/llm"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/internal/tools"
	"github.com/conarylabs/mira/pkg/models"
)

// EngineConfig bounds the operation loop.
type EngineConfig struct {
	Model         string
	MaxTokens     int
	MaxIterations int

	// Timeout is the per-operation wall-clock deadline.
	Timeout time.Duration

	// SimpleModeEnabled lets short conversational inputs bypass tool
	// wiring with a single LLM turn.
	SimpleModeEnabled   bool
	SimpleModeMaxLength int

	// EventBuffer sizes the bounded event channel. A slow client makes
	// the engine's emit points suspend; nothing is dropped.
	EventBuffer int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.SimpleModeMaxLength <= 0 {
		c.SimpleModeMaxLength = 80
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// Engine orchestrates one user request as a state-machined multi-turn LLM
// loop with serialized tool dispatch, cancellation, event streaming, and
// artifact accumulation.
//
// Per session at most one operation runs at a time; concurrent requests on
// the same session queue on the session lock.
type Engine struct {
	memory    *memory.Service
	provider  llm.Provider
	registry  *tools.Registry
	artifacts *artifacts.Repository
	store     *Store
	projects  *ProjectStore
	config    EngineConfig
	logger    *observability.Logger

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	sessionLocks map[string]*sessionLock

	// onFinished and onUsage observe terminal operations and token spend.
	onFinished func(kind string, status models.OperationStatus, duration time.Duration)
	onUsage    func(provider, model string, usage models.TokenUsage)
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine wires the engine's capability handles.
func NewEngine(
	memoryService *memory.Service,
	provider llm.Provider,
	registry *tools.Registry,
	artifactRepo *artifacts.Repository,
	store *Store,
	projects *ProjectStore,
	config EngineConfig,
	logger *observability.Logger,
) *Engine {
	return &Engine{
		memory:       memoryService,
		provider:     provider,
		registry:     registry,
		artifacts:    artifactRepo,
		store:        store,
		projects:     projects,
		config:       config.withDefaults(),
		logger:       logger,
		cancels:      make(map[string]context.CancelFunc),
		sessionLocks: make(map[string]*sessionLock),
	}
}

// SetFinishObserver registers a terminal-status callback.
func (e *Engine) SetFinishObserver(fn func(kind string, status models.OperationStatus, duration time.Duration)) {
	e.onFinished = fn
}

// SetUsageObserver registers a token-usage callback.
func (e *Engine) SetUsageObserver(fn func(provider, model string, usage models.TokenUsage)) {
	e.onUsage = fn
}

// Store exposes the operation store for read-side queries.
func (e *Engine) Store() *Store { return e.store }

// ExecuteParams describes one run.
type ExecuteParams struct {
	SessionID   string
	UserMessage string
	ProjectID   string

	// Capabilities granted to this operation's tool surface. Nil grants
	// everything.
	Capabilities []tools.Capability
}

// Execute creates the operation and runs it asynchronously, returning the
// operation and its event stream. The channel closes after the terminal
// event.
func (e *Engine) Execute(ctx context.Context, params ExecuteParams) (*models.Operation, <-chan EngineEvent, error) {
	if strings.TrimSpace(params.UserMessage) == "" {
		return nil, nil, errors.New("user message is empty")
	}
	op, err := e.store.Create(ctx, params.SessionID, chooseKind(params.UserMessage), params.UserMessage)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Timeout)
	e.mu.Lock()
	e.cancels[op.ID] = cancel
	e.mu.Unlock()

	events := make(chan EngineEvent, e.config.EventBuffer)
	go func() {
		defer close(events)
		defer func() {
			e.mu.Lock()
			delete(e.cancels, op.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, op, params, events)
	}()

	return op, events, nil
}

// Cancel cancels a running operation. Unknown or already-terminal
// operations return false.
func (e *Engine) Cancel(operationID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[operationID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// run drives the state machine for one operation.
func (e *Engine) run(ctx context.Context, op *models.Operation, params ExecuteParams, events chan<- EngineEvent) {
	start := time.Now()
	logCtx := observability.WithOperationID(observability.WithSessionID(context.Background(), op.SessionID), op.ID)

	unlock := e.lockSession(op.SessionID)
	defer unlock()

	finish := func(status models.OperationStatus, reason string) {
		if err := e.store.Transition(context.WithoutCancel(ctx), op.ID, status, reason); err != nil {
			e.logger.Warn(logCtx, "terminal transition failed", "status", string(status), "error", err)
		}
		if status == models.StatusCancelled {
			if err := e.artifacts.MarkPartial(context.WithoutCancel(ctx), op.ID); err != nil {
				e.logger.Warn(logCtx, "mark partial failed", "error", err)
			}
		}
		events <- EngineEvent{Kind: EngineStatus, OperationID: op.ID, Status: status, Reason: reason}
		if e.onFinished != nil {
			e.onFinished(op.Kind, status, time.Since(start))
		}
	}

	fail := func(reason string, err error) {
		e.logger.Error(logCtx, "operation failed", "reason", reason, "error", err)
		events <- EngineEvent{Kind: EngineErrorEvent, OperationID: op.ID, Err: err.Error()}
		_ = e.store.AddEvent(context.WithoutCancel(ctx), op.ID, models.EventError,
			map[string]string{"reason": reason, "message": err.Error()})
		finish(models.StatusFailed, reason)
	}

	cancelled := func() {
		reason := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		finish(models.StatusCancelled, reason)
	}

	transition := func(status models.OperationStatus) bool {
		if ctx.Err() != nil {
			cancelled()
			return false
		}
		if err := e.store.Transition(ctx, op.ID, status, ""); err != nil {
			fail("internal", fmt.Errorf("transition to %s: %w", status, err))
			return false
		}
		events <- EngineEvent{Kind: EngineStatus, OperationID: op.ID, Status: status}
		return true
	}

	if !transition(models.StatusPlanning) {
		return
	}

	// The user's message is persisted before anything can fail; it is
	// never rolled back.
	userMessageID, err := e.memory.SaveMessage(ctx, op.SessionID, models.RoleUser, op.UserMessage, nil)
	if err != nil {
		fail("internal", fmt.Errorf("save user message: %w", err))
		return
	}

	system, err := e.composeSystemPrompt(ctx, op, params.ProjectID)
	if err != nil {
		if ctx.Err() != nil {
			cancelled()
			return
		}
		fail("internal", fmt.Errorf("compose context: %w", err))
		return
	}

	simple := e.isSimpleMode(op.UserMessage)
	router := tools.NewRouter(e.registry, params.Capabilities, e.logger)
	sink := &artifactSink{engine: e, operationID: op.ID, events: events}
	toolCtx := tools.WithArtifactSink(ctx, sink)

	var toolDefs []llm.ToolDef
	if !simple {
		for _, tool := range router.Tools() {
			toolDefs = append(toolDefs, llm.ToolDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Schema:      tool.Schema(),
			})
		}
	}

	if !transition(models.StatusRunning) {
		return
	}

	transcript := []llm.ChatMessage{{Role: "user", Content: op.UserMessage}}
	var finalText, thinking string
	var totalUsage models.TokenUsage
	seenCallIDs := make(map[string]bool)

	for iteration := 0; ; {
		turn, err := e.streamTurn(ctx, op, system, transcript, toolDefs, seenCallIDs, events)
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			fail("provider", err)
			return
		}
		totalUsage.Add(turn.usage)
		thinking += turn.thinking

		if len(turn.toolCalls) == 0 {
			finalText = turn.text
			break
		}

		// Pending tool calls past the iteration bound are not dispatched.
		if iteration >= e.config.MaxIterations {
			fail("iteration_limit", fmt.Errorf("reached max iterations: %d", e.config.MaxIterations))
			return
		}

		if !transition(models.StatusToolExecuting) {
			return
		}

		results, err := e.dispatchTools(toolCtx, op, router, turn.toolCalls, events)
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			fail("internal", err)
			return
		}

		transcript = append(transcript, llm.ChatMessage{
			Role:      "assistant",
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
		})
		transcript = append(transcript, llm.ChatMessage{
			Role:        "tool",
			ToolResults: results,
		})
		iteration++

		if !transition(models.StatusRunning) {
			return
		}
	}

	// Finalize: commit the assistant turn to memory, record usage, report.
	assistantMessageID, err := e.memory.SaveMessage(context.WithoutCancel(ctx), op.SessionID, models.RoleAssistant, finalText, nil)
	if err != nil {
		fail("internal", fmt.Errorf("save assistant message: %w", err))
		return
	}
	if err := e.store.AddTokenUsage(context.WithoutCancel(ctx), op.ID, totalUsage); err != nil {
		e.logger.Warn(logCtx, "store token usage failed", "error", err)
	}
	if e.onUsage != nil {
		e.onUsage(e.provider.Name(), e.config.Model, totalUsage)
	}

	produced, err := e.artifacts.List(context.WithoutCancel(ctx), op.ID)
	if err != nil {
		e.logger.Warn(logCtx, "list artifacts failed", "error", err)
	}
	if produced == nil {
		produced = []models.Artifact{}
	}

	finish(models.StatusCompleted, "")
	events <- EngineEvent{
		Kind:        EngineComplete,
		OperationID: op.ID,
		Outcome: &ChatOutcome{
			UserMessageID:      userMessageID,
			AssistantMessageID: assistantMessageID,
			Content:            finalText,
			Artifacts:          produced,
			Thinking:           thinking,
		},
	}
}

type turnResult struct {
	text      string
	thinking  string
	toolCalls []models.ToolCall
	usage     models.TokenUsage
}

// streamTurn runs one LLM turn, forwarding deltas and collecting completed
// tool calls in their emitted order.
func (e *Engine) streamTurn(ctx context.Context, op *models.Operation, system string, transcript []llm.ChatMessage, toolDefs []llm.ToolDef, seen map[string]bool, events chan<- EngineEvent) (*turnResult, error) {
	stream, err := e.provider.Stream(ctx, &llm.ChatRequest{
		Model:     e.config.Model,
		System:    system,
		Messages:  transcript,
		Tools:     toolDefs,
		MaxTokens: e.config.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	turn := &turnResult{}
	var text, thinking strings.Builder

	for event := range stream {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch event.Kind {
		case llm.EventTextDelta:
			text.WriteString(event.Delta)
			if !e.emit(ctx, events, EngineEvent{Kind: EngineDelta, OperationID: op.ID, Delta: event.Delta}) {
				return nil, ctx.Err()
			}

		case llm.EventReasoningDelta:
			thinking.WriteString(event.Delta)
			if !e.emit(ctx, events, EngineEvent{Kind: EngineThinking, OperationID: op.ID, Delta: event.Delta}) {
				return nil, ctx.Err()
			}

		case llm.EventToolCallComplete:
			if seen[event.ID] {
				return nil, fmt.Errorf("duplicate tool call id %q in operation", event.ID)
			}
			seen[event.ID] = true
			turn.toolCalls = append(turn.toolCalls, models.ToolCall{
				ID:        event.ID,
				Name:      event.Name,
				Arguments: event.Arguments,
			})

		case llm.EventDone:
			turn.usage.Add(models.TokenUsage{
				Input:     event.InputTokens,
				Output:    event.OutputTokens,
				Reasoning: event.ReasoningTokens,
			})
			if text.Len() == 0 && event.FinalText != "" {
				text.WriteString(event.FinalText)
			}

		case llm.EventError:
			return nil, fmt.Errorf("provider stream: %s", event.Message)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	turn.text = text.String()
	turn.thinking = thinking.String()
	return turn, nil
}

// dispatchTools executes pending tool calls strictly in their LLM-emitted
// order. A tool failure becomes an error result fed back to the model, not
// an operation failure.
func (e *Engine) dispatchTools(ctx context.Context, op *models.Operation, router *tools.Router, calls []models.ToolCall, events chan<- EngineEvent) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for i := range calls {
		call := calls[i]
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !e.emit(ctx, events, EngineEvent{Kind: EngineToolStart, OperationID: op.ID, ToolCall: &call}) {
			return nil, ctx.Err()
		}
		_ = e.store.AddEvent(ctx, op.ID, models.EventToolCallStart,
			map[string]any{"id": call.ID, "name": call.Name})

		result := router.Execute(ctx, call)

		// A result arriving after cancellation is discarded.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !e.emit(ctx, events, EngineEvent{Kind: EngineToolResult, OperationID: op.ID, ToolResult: &result}) {
			return nil, ctx.Err()
		}
		_ = e.store.AddEvent(ctx, op.ID, models.EventToolCallResult,
			map[string]any{"id": call.ID, "name": call.Name, "success": result.Success})

		results = append(results, result)
	}
	return results, nil
}

// composeSystemPrompt assembles the grounding context: recall context from
// memory plus optional per-project guidelines.
func (e *Engine) composeSystemPrompt(ctx context.Context, op *models.Operation, projectID string) (string, error) {
	recall, err := e.memory.BuildContext(ctx, op.SessionID, op.UserMessage)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are Mira, a coding assistant. Use the conversation context below to ground your answer.\n")

	if projectID != "" && e.projects != nil {
		if guidelines, err := e.projects.Get(ctx, "project:"+projectID+":guidelines"); err == nil && guidelines != "" {
			b.WriteString("\n## Project guidelines\n")
			b.WriteString(guidelines)
			b.WriteString("\n")
		}
	}

	if len(recall.Recent) > 0 {
		b.WriteString("\n## Recent conversation\n")
		for _, entry := range recall.Recent {
			fmt.Fprintf(&b, "[%s] %s\n", entry.Role, entry.Content)
		}
	}
	if len(recall.Semantic) > 0 {
		b.WriteString("\n## Related earlier context\n")
		for _, scored := range recall.Semantic {
			fmt.Fprintf(&b, "[%s] %s\n", scored.Entry.Role, scored.Entry.Content)
		}
	}
	return b.String(), nil
}

// emit sends one event with backpressure, returning false on cancellation.
func (e *Engine) emit(ctx context.Context, events chan<- EngineEvent, event EngineEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// isSimpleMode reports whether the input qualifies for the no-tools fast
// path: short, conversational, and without code-shaped content.
func (e *Engine) isSimpleMode(message string) bool {
	if !e.config.SimpleModeEnabled {
		return false
	}
	trimmed := strings.TrimSpace(message)
	if len(trimmed) > e.config.SimpleModeMaxLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, keyword := range []string{"create", "write", "edit", "fix", "refactor", "delete", "run", "file", "implement", "change"} {
		if strings.Contains(lower, keyword) {
			return false
		}
	}
	return !strings.Contains(trimmed, "```")
}

func (e *Engine) lockSession(sessionID string) func() {
	e.mu.Lock()
	lock := e.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		e.sessionLocks[sessionID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.sessionLocks, sessionID)
		}
		e.mu.Unlock()
	}
}

// chooseKind maps the request to an operation kind by keyword.
func chooseKind(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "review"):
		return models.KindCodeReview
	case strings.Contains(lower, "refactor"):
		return models.KindRefactor
	case strings.Contains(lower, "debug"), strings.Contains(lower, "fix"):
		return models.KindDebug
	case strings.Contains(lower, "change"), strings.Contains(lower, "update"), strings.Contains(lower, "edit"):
		return models.KindCodeModification
	default:
		return models.KindCodeGeneration
	}
}

// artifactSink stages tool-produced content into the artifact repository
// and mirrors it onto the event stream.
type artifactSink struct {
	engine      *Engine
	operationID string
	events      chan<- EngineEvent
}

func (s *artifactSink) StageArtifact(ctx context.Context, kind, path, content, language string) (string, error) {
	artifact, err := s.engine.artifacts.Create(ctx, s.operationID, models.ArtifactKind(kind), path, content, language)
	if err != nil {
		return "", err
	}

	preview := *artifact
	if len(preview.Content) > 400 {
		preview.Content = preview.Content[:400]
	}
	if !s.engine.emit(ctx, s.events, EngineEvent{Kind: EngineArtifactPrev, OperationID: s.operationID, Artifact: &preview}) {
		return "", ctx.Err()
	}
	if !s.engine.emit(ctx, s.events, EngineEvent{Kind: EngineArtifactDone, OperationID: s.operationID, Artifact: artifact}) {
		return "", ctx.Err()
	}

	_ = s.engine.store.AddEvent(ctx, s.operationID, models.EventArtifactComplete, map[string]any{
		"artifact_id": artifact.ID,
		"path":        artifact.Path,
		"kind":        string(artifact.Kind),
		"has_diff":    artifact.DiffFromPrevious != "",
	})
	return artifact.ID, nil
}

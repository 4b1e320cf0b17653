package operations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/artifacts"
	"github.com/conarylabs/mira/internal/db"
	"github.com/conarylabs/mira/internal/llm"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/memory/embeddings"
	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/internal/tools"
	"github.com/conarylabs/mira/pkg/models"
)

const testDim = 8

// flatEmbedder returns a constant unit vector; recall quality is not under
// test here.
type flatEmbedder struct{}

func (flatEmbedder) Name() string      { return "flat" }
func (flatEmbedder) Dimension() int    { return testDim }
func (flatEmbedder) MaxBatchSize() int { return 100 }
func (flatEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, testDim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

// scriptedProvider replays one scripted event sequence per Stream call. A
// nil turn blocks until the context is cancelled.
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]llm.StreamEvent
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	var turn []llm.StreamEvent
	if p.calls < len(p.turns) {
		turn = p.turns[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	out := make(chan llm.StreamEvent, len(turn)+1)
	if turn == nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}
	for _, event := range turn {
		out <- event
	}
	close(out)
	return out, nil
}

type fixture struct {
	engine    *Engine
	memStore  *memory.Store
	artifacts *artifacts.Repository
	opStore   *Store
}

func newFixture(t *testing.T, provider llm.Provider, mutate func(*EngineConfig)) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	heads, err := memory.NewHeadRegistry([]string{memory.HeadSemantic, memory.HeadCode}, testDim)
	require.NoError(t, err)

	vectors := vector.NewMemoryStore()
	for _, name := range heads.Names() {
		require.NoError(t, vectors.EnsureCollection(context.Background(), name, testDim))
	}

	batcher := embeddings.NewBatcher(flatEmbedder{}, embeddings.BatcherConfig{RetryDelay: 1})
	memStore := memory.NewStore(database)
	classifier := memory.NewClassifier(nil, heads, memory.ClassifierConfig{}, logger)
	counter := memory.NewSessionCounter(0)
	recall := memory.NewRecallEngine(memStore, vectors, batcher, heads, memory.RecallConfig{}, logger)
	memService := memory.NewService(memStore, vectors, batcher, classifier, counter, recall,
		memory.NewChunker(), heads, memory.ServiceConfig{EmbedMinChars: 20}, logger)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.WriteFileTool{}))
	require.NoError(t, registry.Register(&tools.ReadFileTool{Root: t.TempDir()}))

	artifactRepo := artifacts.NewRepository(database)
	opStore := NewStore(database)
	projects := NewProjectStore(database)

	config := EngineConfig{
		Model:         "test-model",
		MaxIterations: 5,
		Timeout:       10 * time.Second,
		EventBuffer:   64,
	}
	if mutate != nil {
		mutate(&config)
	}

	engine := NewEngine(memService, provider, registry, artifactRepo, opStore, projects, config, logger)
	return &fixture{engine: engine, memStore: memStore, artifacts: artifactRepo, opStore: opStore}
}

func collect(t *testing.T, events <-chan EngineEvent) []EngineEvent {
	t.Helper()
	var out []EngineEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func statuses(events []EngineEvent) []models.OperationStatus {
	var out []models.OperationStatus
	for _, event := range events {
		if event.Kind == EngineStatus {
			out = append(out, event.Status)
		}
	}
	return out
}

func toolCallEvent(id, name, args string) llm.StreamEvent {
	return llm.StreamEvent{
		Kind:      llm.EventToolCallComplete,
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(args),
	}
}

func TestTrivialTurnStreamsAndCompletes(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{{
		{Kind: llm.EventTextDelta, Delta: "Hello"},
		{Kind: llm.EventTextDelta, Delta: " there!"},
		{Kind: llm.EventDone, InputTokens: 10, OutputTokens: 3},
	}}}
	f := newFixture(t, provider, nil)

	op, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s1",
		UserMessage: "hi",
	})
	require.NoError(t, err)

	all := collect(t, events)

	var text string
	var outcome *ChatOutcome
	for _, event := range all {
		if event.Kind == EngineDelta {
			text += event.Delta
		}
		if event.Kind == EngineComplete {
			outcome = event.Outcome
		}
	}
	assert.Equal(t, "Hello there!", text)
	require.NotNil(t, outcome)
	assert.Equal(t, "Hello there!", outcome.Content)
	assert.Empty(t, outcome.Artifacts)

	got := statuses(all)
	assert.Equal(t, []models.OperationStatus{
		models.StatusPlanning, models.StatusRunning, models.StatusCompleted,
	}, got)

	// Two rows: the user's turn and the assistant's. Neither is salient
	// enough to embed.
	entries, err := f.memStore.LoadRecent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.RoleAssistant, entries[0].Role)
	assert.Equal(t, models.RoleUser, entries[1].Role)
	for _, entry := range entries {
		assert.False(t, entry.HasEmbedding)
	}

	// Terminal state and usage are persisted.
	loaded, err := f.opStore.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, loaded.Status)
	assert.Equal(t, int64(10), loaded.TokenUsage.Input)
}

func TestToolCallProducesArtifact(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{
			toolCallEvent("call_1", "write_file", `{"path":"hello.txt","content":"hi"}`),
			{Kind: llm.EventDone},
		},
		{
			{Kind: llm.EventTextDelta, Delta: "Created hello.txt"},
			{Kind: llm.EventDone},
		},
	}}
	f := newFixture(t, provider, nil)

	op, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s2",
		UserMessage: "create hello.txt with 'hi'",
	})
	require.NoError(t, err)

	all := collect(t, events)

	var sawToolStart, sawToolResult, sawPreview, sawArtifact bool
	var outcome *ChatOutcome
	for _, event := range all {
		switch event.Kind {
		case EngineToolStart:
			sawToolStart = true
			assert.Equal(t, "write_file", event.ToolCall.Name)
		case EngineToolResult:
			sawToolResult = true
			assert.True(t, event.ToolResult.Success)
		case EngineArtifactPrev:
			sawPreview = true
		case EngineArtifactDone:
			sawArtifact = true
		case EngineComplete:
			outcome = event.Outcome
		}
	}
	assert.True(t, sawToolStart)
	assert.True(t, sawToolResult)
	assert.True(t, sawPreview)
	assert.True(t, sawArtifact)

	require.NotNil(t, outcome)
	require.Len(t, outcome.Artifacts, 1)
	want := sha256.Sum256([]byte("hi"))
	assert.Equal(t, hex.EncodeToString(want[:]), outcome.Artifacts[0].ContentHash)
	assert.Empty(t, outcome.Artifacts[0].DiffFromPrevious)

	// The status machine visited tool_executing.
	assert.Contains(t, statuses(all), models.StatusToolExecuting)

	// The event log records the dispatch.
	logged, err := f.opStore.Events(context.Background(), op.ID)
	require.NoError(t, err)
	var types []string
	for _, event := range logged {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, models.EventToolCallStart)
	assert.Contains(t, types, models.EventToolCallResult)
	assert.Contains(t, types, models.EventArtifactComplete)
}

func TestSecondWriteCarriesDiff(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{
			toolCallEvent("call_1", "write_file", `{"path":"hello.txt","content":"hi"}`),
			{Kind: llm.EventDone},
		},
		{
			toolCallEvent("call_2", "write_file", `{"path":"hello.txt","content":"hello"}`),
			{Kind: llm.EventDone},
		},
		{
			{Kind: llm.EventTextDelta, Delta: "Updated."},
			{Kind: llm.EventDone},
		},
	}}
	f := newFixture(t, provider, nil)

	_, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s2",
		UserMessage: "change hello.txt to say 'hello'",
	})
	require.NoError(t, err)

	all := collect(t, events)
	var outcome *ChatOutcome
	for _, event := range all {
		if event.Kind == EngineComplete {
			outcome = event.Outcome
		}
	}
	require.NotNil(t, outcome)
	require.Len(t, outcome.Artifacts, 2)

	second := outcome.Artifacts[1]
	require.NotEmpty(t, second.DiffFromPrevious)
	assert.Contains(t, second.DiffFromPrevious, "-hi")
	assert.Contains(t, second.DiffFromPrevious, "+hello")
}

func TestIterationLimitFailsWithoutDispatch(t *testing.T) {
	// Every turn asks for another tool call; with MaxIterations=1 the
	// second batch must not be dispatched.
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{
			toolCallEvent("call_1", "write_file", `{"path":"a.txt","content":"1"}`),
			{Kind: llm.EventDone},
		},
		{
			toolCallEvent("call_2", "write_file", `{"path":"b.txt","content":"2"}`),
			{Kind: llm.EventDone},
		},
	}}
	f := newFixture(t, provider, func(cfg *EngineConfig) { cfg.MaxIterations = 1 })

	op, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s1",
		UserMessage: "create two files please",
	})
	require.NoError(t, err)

	all := collect(t, events)
	got := statuses(all)
	assert.Equal(t, models.StatusFailed, got[len(got)-1])

	var sawError bool
	for _, event := range all {
		if event.Kind == EngineErrorEvent {
			sawError = true
			assert.Contains(t, event.Err, "max iterations")
		}
	}
	assert.True(t, sawError)

	// Only the first turn's tool ran.
	produced, err := f.artifacts.List(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.Equal(t, "a.txt", produced[0].Path)
}

func TestCancellationMarksPartialArtifacts(t *testing.T) {
	// Turn 1 writes a file; turn 2 blocks until cancelled.
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{
			toolCallEvent("call_1", "write_file", `{"path":"a.txt","content":"1"}`),
			{Kind: llm.EventDone},
		},
		nil,
	}}
	f := newFixture(t, provider, nil)

	op, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s1",
		UserMessage: "do something long with files",
	})
	require.NoError(t, err)

	// Let the first turn finish, then cancel mid second turn.
	go func() {
		time.Sleep(300 * time.Millisecond)
		f.engine.Cancel(op.ID)
	}()

	all := collect(t, events)
	got := statuses(all)
	require.NotEmpty(t, got)
	assert.Equal(t, models.StatusCancelled, got[len(got)-1])

	// No deltas after the terminal status.
	terminalSeen := false
	for _, event := range all {
		if event.Kind == EngineStatus && event.Status.Terminal() {
			terminalSeen = true
		}
		if terminalSeen {
			assert.NotEqual(t, EngineDelta, event.Kind)
		}
	}

	// Partial artifacts are retained and flagged.
	produced, err := f.artifacts.List(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.True(t, produced[0].Partial)

	loaded, err := f.opStore.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, loaded.Status)
}

func TestProviderErrorFailsOperation(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{{
		{Kind: llm.EventError, Message: "upstream exploded"},
	}}}
	f := newFixture(t, provider, nil)

	_, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s1",
		UserMessage: "hello there friend",
	})
	require.NoError(t, err)

	all := collect(t, events)
	got := statuses(all)
	assert.Equal(t, models.StatusFailed, got[len(got)-1])

	// The user's message was persisted before the failure and is not
	// rolled back.
	entries, err := f.memStore.LoadRecent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.RoleUser, entries[0].Role)
}

func TestDuplicateToolCallIDFails(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{
			toolCallEvent("call_1", "write_file", `{"path":"a.txt","content":"1"}`),
			{Kind: llm.EventDone},
		},
		{
			toolCallEvent("call_1", "write_file", `{"path":"b.txt","content":"2"}`),
			{Kind: llm.EventDone},
		},
	}}
	f := newFixture(t, provider, nil)

	_, events, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID:   "s1",
		UserMessage: "make two files for me",
	})
	require.NoError(t, err)

	all := collect(t, events)
	got := statuses(all)
	assert.Equal(t, models.StatusFailed, got[len(got)-1])
}

func TestSessionSerialization(t *testing.T) {
	// Both operations write to one session; the session lock serializes
	// them, so all four rows land.
	provider := &scriptedProvider{turns: [][]llm.StreamEvent{
		{{Kind: llm.EventTextDelta, Delta: "one"}, {Kind: llm.EventDone}},
		{{Kind: llm.EventTextDelta, Delta: "two"}, {Kind: llm.EventDone}},
	}}
	f := newFixture(t, provider, nil)

	_, events1, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID: "shared", UserMessage: "first message here",
	})
	require.NoError(t, err)
	_, events2, err := f.engine.Execute(context.Background(), ExecuteParams{
		SessionID: "shared", UserMessage: "second message here",
	})
	require.NoError(t, err)

	collect(t, events1)
	collect(t, events2)

	entries, err := f.memStore.LoadRecent(context.Background(), "shared", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestChooseKind(t *testing.T) {
	assert.Equal(t, models.KindCodeReview, chooseKind("please review this PR"))
	assert.Equal(t, models.KindRefactor, chooseKind("refactor the parser"))
	assert.Equal(t, models.KindDebug, chooseKind("fix the crash"))
	assert.Equal(t, models.KindCodeModification, chooseKind("update the config"))
	assert.Equal(t, models.KindCodeGeneration, chooseKind("write a hello world"))
}

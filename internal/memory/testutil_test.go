package memory

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/db"
	"github.com/conarylabs/mira/internal/memory/embeddings"
	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/internal/observability"
)

const testDim = 16

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func testHeads(t *testing.T) *HeadRegistry {
	t.Helper()
	heads, err := NewHeadRegistry([]string{HeadSemantic, HeadCode, HeadSummary}, testDim)
	require.NoError(t, err)
	return heads
}

// wordEmbedder is a deterministic bag-of-words embedder: texts sharing
// words land near each other under cosine similarity.
type wordEmbedder struct{}

func (wordEmbedder) Name() string      { return "word" }
func (wordEmbedder) Dimension() int    { return testDim }
func (wordEmbedder) MaxBatchSize() int { return 100 }

func (wordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%testDim]++
		}
		out[i] = vec
	}
	return out, nil
}

func newTestBatcher() *embeddings.Batcher {
	return embeddings.NewBatcher(wordEmbedder{}, embeddings.BatcherConfig{RetryDelay: 1})
}

func newTestVectorStore(t *testing.T, heads *HeadRegistry) *vector.MemoryStore {
	t.Helper()
	store := vector.NewMemoryStore()
	for _, name := range heads.Names() {
		require.NoError(t, store.EnsureCollection(context.Background(), name, testDim))
	}
	return store
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := newTestBatcher().EmbedSingle(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func vectorFilter(sessionID string) vector.Filter {
	return vector.Filter{SessionID: sessionID}
}

func storeDB(store *Store) *sql.DB {
	return store.db
}

// newTestService assembles the full pipeline on in-process backends with
// the heuristic-only classifier.
func newTestService(t *testing.T) (*Service, *Store, *vector.MemoryStore) {
	t.Helper()
	store := newTestStore(t)
	heads := testHeads(t)
	vectors := newTestVectorStore(t, heads)
	batcher := newTestBatcher()
	logger := testLogger()
	classifier := NewClassifier(nil, heads, ClassifierConfig{}, logger)
	counter := NewSessionCounter(10)
	recall := NewRecallEngine(store, vectors, batcher, heads, RecallConfig{}, logger)
	service := NewService(store, vectors, batcher, classifier, counter, recall,
		NewChunker(), heads, ServiceConfig{EmbedMinChars: 5}, logger)
	return service, store, vectors
}

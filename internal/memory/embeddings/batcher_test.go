package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider embeds each text as a deterministic vector derived from its
// length, so order mix-ups are visible in the output.
type fakeProvider struct {
	mu        sync.Mutex
	dimension int
	maxBatch  int
	calls     [][]string
	failures  int // fail this many calls before succeeding
	badDim    bool
}

func (f *fakeProvider) Name() string      { return "fake" }
func (f *fakeProvider) Dimension() int    { return f.dimension }
func (f *fakeProvider) MaxBatchSize() int { return f.maxBatch }

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		dim := f.dimension
		if f.badDim {
			dim++
		}
		vec := make([]float32, dim)
		vec[0] = float32(len(text))
		out[i] = vec
	}
	return out, nil
}

func newTestBatcher(provider *fakeProvider, cfg BatcherConfig) *Batcher {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 1 // keep retries fast
	}
	return NewBatcher(provider, cfg)
}

func TestEmbedTextsPreservesOrder(t *testing.T) {
	provider := &fakeProvider{dimension: 4, maxBatch: 100}
	b := newTestBatcher(provider, BatcherConfig{})

	texts := []string{"a", "bb", "ccc", "dddd"}
	vectors, err := b.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
}

func TestEmbedTextsChunksAtBatchSize(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 100}
	b := newTestBatcher(provider, BatcherConfig{MaxBatchSize: 3})

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	vectors, err := b.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, 8)

	require.Len(t, provider.calls, 3)
	assert.Len(t, provider.calls[0], 3)
	assert.Len(t, provider.calls[1], 3)
	assert.Len(t, provider.calls[2], 2)
}

func TestBatchSizeClampedToProviderMax(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 2}
	b := newTestBatcher(provider, BatcherConfig{MaxBatchSize: 100})

	_, err := b.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, provider.calls, 2)
}

func TestEmbedRetriesThenSucceeds(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 100, failures: 2}
	b := newTestBatcher(provider, BatcherConfig{MaxRetries: 3})

	vectors, err := b.EmbedTexts(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Len(t, provider.calls, 3)
}

func TestEmbedPermanentFailure(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 100, failures: 10}
	b := newTestBatcher(provider, BatcherConfig{MaxRetries: 3})

	_, err := b.EmbedTexts(context.Background(), []string{"hello"})
	require.Error(t, err)

	var embedErr *EmbeddingError
	require.ErrorAs(t, err, &embedErr)
	assert.Equal(t, 3, embedErr.Attempts)
}

func TestDimensionMismatchRejected(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 100, badDim: true}
	b := newTestBatcher(provider, BatcherConfig{})

	_, err := b.EmbedTexts(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestEmbedSingle(t *testing.T) {
	provider := &fakeProvider{dimension: 3, maxBatch: 100}
	b := newTestBatcher(provider, BatcherConfig{})

	vec, err := b.EmbedSingle(context.Background(), "hey")
	require.NoError(t, err)
	assert.Equal(t, float32(3), vec[0])
}

func TestEmptyInput(t *testing.T) {
	provider := &fakeProvider{dimension: 2, maxBatch: 100}
	b := newTestBatcher(provider, BatcherConfig{})

	vectors, err := b.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Empty(t, provider.calls)
}

package embeddings

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// EmbeddingError wraps a permanent embedding failure. Callers never see a
// partial batch: either every input text gets a vector or the call fails.
type EmbeddingError struct {
	Attempts int
	Cause    error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *EmbeddingError) Unwrap() error { return e.Cause }

// BatcherConfig configures batching and retry behavior.
type BatcherConfig struct {
	// MaxBatchSize caps texts per upstream call. Clamped to the provider's
	// own maximum. Default: 100, the provider sweet spot.
	MaxBatchSize int

	// MaxRetries is the per-batch retry budget. Default: 3.
	MaxRetries int

	// RetryDelay is the fixed delay between attempts. Default: 1s.
	RetryDelay time.Duration

	// MaxConcurrent bounds in-flight upstream calls. Default: 4.
	MaxConcurrent int
}

func (c BatcherConfig) withDefaults(provider Provider) BatcherConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if max := provider.MaxBatchSize(); max > 0 && c.MaxBatchSize > max {
		c.MaxBatchSize = max
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Batcher coalesces embedding requests into provider-sized batches with
// bounded retry and a concurrency cap on upstream calls.
type Batcher struct {
	provider Provider
	config   BatcherConfig
	sem      *semaphore.Weighted

	// onBatch, when set, observes every upstream call's size and error.
	onBatch func(size int, err error)
}

// NewBatcher wraps the provider. The batcher asserts the provider's
// dimension on every returned vector, so a misconfigured model fails fast
// instead of corrupting a collection.
func NewBatcher(provider Provider, config BatcherConfig) *Batcher {
	config = config.withDefaults(provider)
	return &Batcher{
		provider: provider,
		config:   config,
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// SetBatchObserver registers a callback invoked after every upstream call.
func (b *Batcher) SetBatchObserver(fn func(size int, err error)) {
	b.onBatch = fn
}

// Dimension returns the provider's embedding dimension.
func (b *Batcher) Dimension() int { return b.provider.Dimension() }

// EmbedSingle embeds one text.
func (b *Batcher) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts embeds texts, chunking the request at the batch size. Output
// is aligned to input order. On permanent failure of any batch the whole
// call fails with *EmbeddingError.
func (b *Batcher) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.config.MaxBatchSize {
		end := start + b.config.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := b.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (b *Batcher) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= b.config.MaxRetries; attempt++ {
		vectors, err := b.provider.EmbedBatch(ctx, batch)
		if b.onBatch != nil {
			b.onBatch(len(batch), err)
		}
		if err == nil {
			if err := b.checkBatch(batch, vectors); err != nil {
				return nil, err
			}
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < b.config.MaxRetries {
			select {
			case <-time.After(b.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &EmbeddingError{Attempts: b.config.MaxRetries, Cause: lastErr}
}

func (b *Batcher) checkBatch(batch []string, vectors [][]float32) error {
	if len(vectors) != len(batch) {
		return fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(batch))
	}
	want := b.provider.Dimension()
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), want)
		}
	}
	return nil
}

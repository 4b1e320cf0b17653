// Package embeddings provides the embedding provider interface and the
// batching layer that coalesces per-text requests into provider-sized calls.
package embeddings

import (
	"context"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// EmbedBatch generates embeddings for multiple texts in one call.
	// The result is aligned to input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per upstream call.
	MaxBatchSize() int
}

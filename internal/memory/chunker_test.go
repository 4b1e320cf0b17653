package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkEmptyContent(t *testing.T) {
	c := NewChunker()
	head := Head{Name: HeadSemantic, ChunkTokens: 512, OverlapTokens: 64}
	assert.Nil(t, c.Chunk("", head))
	assert.Nil(t, c.Chunk("   \n\t", head))
}

func TestChunkShortContentStaysWhole(t *testing.T) {
	c := NewChunker()
	head := Head{Name: HeadSemantic, ChunkTokens: 512, OverlapTokens: 64}
	chunks := c.Chunk("a short message", head)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short message", chunks[0])
}

func TestChunkLongContentSplits(t *testing.T) {
	c := NewChunker()
	head := Head{Name: HeadSemantic, ChunkTokens: 64, OverlapTokens: 8}

	content := strings.Repeat("the quick brown fox jumps over the lazy dog ", 64)
	chunks := c.Chunk(content, head)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestChunkCoversContent(t *testing.T) {
	c := NewChunker()
	head := Head{Name: HeadSemantic, ChunkTokens: 32, OverlapTokens: 4}

	var words []string
	for _, w := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"} {
		for i := 0; i < 40; i++ {
			words = append(words, w)
		}
	}
	content := strings.Join(words, " ")
	chunks := c.Chunk(content, head)
	require.Greater(t, len(chunks), 1)

	// The first and last words survive chunking.
	assert.True(t, strings.HasPrefix(chunks[0], "alpha"))
	assert.Contains(t, chunks[len(chunks)-1], "foxtrot")
}

func TestCountTokensPositive(t *testing.T) {
	c := NewChunker()
	assert.Greater(t, c.CountTokens("hello world"), 0)
	assert.Greater(t, c.CountTokens(strings.Repeat("word ", 100)), c.CountTokens("word"))
}

package memory

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Chunker splits message content into head-sized pieces before embedding.
// Token counts come from the cl100k_base encoding, the tokenizer family the
// embedding models use; when the encoding cannot be loaded it falls back to
// a chars/4 estimate.
type Chunker struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewChunker creates a chunker. The encoding loads lazily on first use.
func NewChunker() *Chunker {
	return &Chunker{}
}

func (c *Chunker) enc() *tiktoken.Tiktoken {
	c.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.encoding = enc
		}
	})
	return c.encoding
}

// CountTokens returns the token count of text.
func (c *Chunker) CountTokens(text string) int {
	if enc := c.enc(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Chunk splits content per the head's policy. Content at or below the target
// size is returned whole. Consecutive chunks overlap by the head's overlap
// token count so a statement split at a boundary stays findable.
func (c *Chunker) Chunk(content string, head Head) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	target := head.ChunkTokens
	if target <= 0 {
		return []string{content}
	}

	enc := c.enc()
	if enc == nil {
		return c.chunkByChars(content, head)
	}

	tokens := enc.Encode(content, nil, nil)
	if len(tokens) <= target {
		return []string{content}
	}

	overlap := head.OverlapTokens
	if overlap >= target {
		overlap = target / 4
	}
	step := target - overlap

	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + target
		if end > len(tokens) {
			end = len(tokens)
		}
		piece := strings.TrimSpace(enc.Decode(tokens[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

func (c *Chunker) chunkByChars(content string, head Head) []string {
	target := head.ChunkTokens * 4
	overlap := head.OverlapTokens * 4
	if len(content) <= target {
		return []string{content}
	}
	if overlap >= target {
		overlap = target / 4
	}
	step := target - overlap

	runes := []rune(content)
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + target
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

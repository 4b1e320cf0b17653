package memory

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/pkg/models"
)

// seedSession appends count filler messages, planting `special` as message
// number specialAt (1-based), and indexes everything into the vector store.
func seedSession(t *testing.T, store *Store, vectors *vector.MemoryStore, sessionID string, count, specialAt int, special string) int64 {
	t.Helper()
	ctx := context.Background()
	batcher := newTestBatcher()

	var specialID int64
	for i := 1; i <= count; i++ {
		content := fmt.Sprintf("filler message number %d about nothing in particular", i)
		if i == specialAt {
			content = special
		}
		entry, err := store.Append(ctx, sessionID, models.RoleUser, content, nil)
		require.NoError(t, err)

		vec, err := batcher.EmbedSingle(ctx, content)
		require.NoError(t, err)
		require.NoError(t, vectors.Upsert(ctx, HeadSemantic, strconv.FormatInt(entry.ID, 10), vec, vector.Payload{
			SessionID: sessionID,
			Role:      "user",
			Head:      HeadSemantic,
		}))
		require.NoError(t, store.MarkHasEmbedding(ctx, entry.ID))
		if i == specialAt {
			specialID = entry.ID
		}
	}
	return specialID
}

func newRecallUnderTest(t *testing.T, store *Store, vectors *vector.MemoryStore, cfg RecallConfig) *RecallEngine {
	t.Helper()
	return NewRecallEngine(store, vectors, newTestBatcher(), testHeads(t), cfg, testLogger())
}

func TestRecallFindsSemanticHitOutsideRecentWindow(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))
	specialID := seedSession(t, store, vectors, "s5", 50, 12, "we agreed the sparrow-blue protocol uses port 9000")

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{RecentCount: 10, SemanticCount: 10, KPerHead: 10})
	recall, err := engine.BuildContext(context.Background(), "s5", "what did we say about the sparrow-blue protocol?")
	require.NoError(t, err)

	// The special message is old enough to be outside the recent window.
	for _, entry := range recall.Recent {
		assert.NotEqual(t, specialID, entry.ID)
	}

	found := false
	for _, scored := range recall.Semantic {
		if scored.Entry.ID == specialID {
			found = true
		}
	}
	assert.True(t, found, "semantic pool should surface the sparrow-blue message")
}

func TestRecallRecentIsChronological(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))
	seedSession(t, store, vectors, "s1", 20, 1, "first message")

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{RecentCount: 5})
	recall, err := engine.BuildContext(context.Background(), "s1", "anything")
	require.NoError(t, err)

	require.Len(t, recall.Recent, 5)
	for i := 1; i < len(recall.Recent); i++ {
		assert.Greater(t, recall.Recent[i].ID, recall.Recent[i-1].ID)
	}
}

func TestRecallPoolsAreDisjoint(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))
	seedSession(t, store, vectors, "s1", 15, 14, "remember the gateway restart procedure carefully")

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{RecentCount: 10, SemanticCount: 10, KPerHead: 15})
	recall, err := engine.BuildContext(context.Background(), "s1", "gateway restart procedure")
	require.NoError(t, err)

	recentIDs := make(map[int64]bool)
	for _, entry := range recall.Recent {
		recentIDs[entry.ID] = true
	}
	for _, scored := range recall.Semantic {
		assert.False(t, recentIDs[scored.Entry.ID], "message %d appears in both pools", scored.Entry.ID)
	}
}

func TestRecallSemanticRankedByScore(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))
	seedSession(t, store, vectors, "s1", 30, 3, "zebra telescope quantum discussion")

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{RecentCount: 5, SemanticCount: 10, KPerHead: 20})
	recall, err := engine.BuildContext(context.Background(), "s1", "zebra telescope quantum")
	require.NoError(t, err)

	for i := 1; i < len(recall.Semantic); i++ {
		assert.GreaterOrEqual(t, recall.Semantic[i-1].Score, recall.Semantic[i].Score)
	}
}

func TestRecallSemanticTruncated(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))
	seedSession(t, store, vectors, "s1", 40, 2, "needle")

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{RecentCount: 5, SemanticCount: 3, KPerHead: 20})
	recall, err := engine.BuildContext(context.Background(), "s1", "filler message about nothing")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recall.Semantic), 3)
}

func TestRecallSurvivesEmptySession(t *testing.T) {
	store := newTestStore(t)
	vectors := newTestVectorStore(t, testHeads(t))

	engine := newRecallUnderTest(t, store, vectors, RecallConfig{})
	recall, err := engine.BuildContext(context.Background(), "fresh", "hello")
	require.NoError(t, err)
	assert.Empty(t, recall.Recent)
	assert.Empty(t, recall.Semantic)
}

func TestParsePointID(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"42", 42, true},
		{"42:1", 42, true},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePointID(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestRecencyScore(t *testing.T) {
	assert.InDelta(t, 1.0, RecencyScore(0), 1e-9)
	assert.InDelta(t, 0.5, RecencyScore(1), 1e-9)
	assert.Greater(t, RecencyScore(1), RecencyScore(5))
}

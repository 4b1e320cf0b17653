package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/db"
	"github.com/conarylabs/mira/pkg/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRepository(database)
}

func TestCreateComputesContentHash(t *testing.T) {
	repo := newTestRepo(t)
	artifact, err := repo.Create(context.Background(), "op1", models.ArtifactFile, "hello.txt", "hi", "")
	require.NoError(t, err)

	want := sha256.Sum256([]byte("hi"))
	assert.Equal(t, hex.EncodeToString(want[:]), artifact.ContentHash)
	assert.Empty(t, artifact.DiffFromPrevious)
}

func TestSecondWriteToSamePathCarriesDiff(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "op1", models.ArtifactFile, "hello.txt", "hi", "")
	require.NoError(t, err)
	second, err := repo.Create(ctx, "op1", models.ArtifactFile, "hello.txt", "hello", "")
	require.NoError(t, err)

	require.NotEmpty(t, second.DiffFromPrevious)
	assert.Contains(t, second.DiffFromPrevious, "-hi")
	assert.Contains(t, second.DiffFromPrevious, "+hello")
}

func TestDiffAppliesToPriorContent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	prior := "line one\nline two\nline three\n"
	current := "line one\nline 2\nline three\n"

	_, err := repo.Create(ctx, "op1", models.ArtifactFile, "f.txt", prior, "")
	require.NoError(t, err)
	second, err := repo.Create(ctx, "op1", models.ArtifactFile, "f.txt", current, "")
	require.NoError(t, err)

	applied, err := ApplyUnifiedDiff(prior, second.DiffFromPrevious)
	require.NoError(t, err)
	assert.Equal(t, current, applied)
}

func TestDiffScopedToOperationAndPath(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "op1", models.ArtifactFile, "a.txt", "content", "")
	require.NoError(t, err)

	// Different path, same operation: no diff.
	other, err := repo.Create(ctx, "op1", models.ArtifactFile, "b.txt", "changed", "")
	require.NoError(t, err)
	assert.Empty(t, other.DiffFromPrevious)

	// Same path, different operation: no diff.
	elsewhere, err := repo.Create(ctx, "op2", models.ArtifactFile, "a.txt", "changed", "")
	require.NoError(t, err)
	assert.Empty(t, elsewhere.DiffFromPrevious)
}

func TestListReturnsCreationOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, path := range []string{"1.txt", "2.txt", "3.txt"} {
		_, err := repo.Create(ctx, "op1", models.ArtifactFile, path, "x", "")
		require.NoError(t, err)
	}

	listed, err := repo.List(ctx, "op1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "1.txt", listed[0].Path)
	assert.Equal(t, "2.txt", listed[1].Path)
	assert.Equal(t, "3.txt", listed[2].Path)
}

func TestMarkPartialFlagsAllArtifacts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "op1", models.ArtifactFile, "a.txt", "x", "")
	require.NoError(t, err)
	_, err = repo.Create(ctx, "op1", models.ArtifactSnippet, "", "y", "")
	require.NoError(t, err)

	require.NoError(t, repo.MarkPartial(ctx, "op1"))

	listed, err := repo.List(ctx, "op1")
	require.NoError(t, err)
	for _, artifact := range listed {
		assert.True(t, artifact.Partial)
	}
}

func TestGetMissingArtifact(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnifiedDiffRoundTrips(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
	}{
		{"single line replace", "hi", "hello"},
		{"line edit", "a\nb\nc\n", "a\nB\nc\n"},
		{"append", "a\nb\n", "a\nb\nc\n"},
		{"delete", "a\nb\nc\n", "a\nc\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diff := UnifiedDiff("f", "f", tc.old, tc.new)
			require.NotEmpty(t, diff)
			applied, err := ApplyUnifiedDiff(tc.old, diff)
			require.NoError(t, err)
			assert.Equal(t, tc.new, applied)
		})
	}
}

func TestUnifiedDiffIdenticalContentIsEmpty(t *testing.T) {
	assert.Empty(t, UnifiedDiff("f", "f", "same", "same"))
}

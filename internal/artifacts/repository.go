// Package artifacts persists operation-produced content blobs with content
// hashes and prior-version diffs. Artifacts stay in the relational store
// until the client explicitly applies them to the workspace.
package artifacts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conarylabs/mira/pkg/models"
)

// ErrNotFound is returned when an artifact id is absent.
var ErrNotFound = errors.New("artifact not found")

// Repository stores artifacts in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create persists an artifact. When a prior artifact exists for the same
// (operation, path), the new row carries a unified diff against it.
func (r *Repository) Create(ctx context.Context, operationID string, kind models.ArtifactKind, path, content, language string) (*models.Artifact, error) {
	if operationID == "" {
		return nil, errors.New("operation id is required")
	}

	hash := sha256.Sum256([]byte(content))
	artifact := &models.Artifact{
		ID:          uuid.NewString(),
		OperationID: operationID,
		Kind:        kind,
		Path:        path,
		Content:     content,
		ContentHash: hex.EncodeToString(hash[:]),
		Language:    language,
		CreatedAt:   time.Now().UTC(),
	}

	if path != "" {
		prior, err := r.latestForPath(ctx, operationID, path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if prior != nil {
			artifact.DiffFromPrevious = UnifiedDiff(prior.Path, path, prior.Content, content)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, operation_id, kind, path, content, content_hash, language, diff_from_previous, partial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		artifact.ID, artifact.OperationID, string(artifact.Kind), nullable(artifact.Path),
		artifact.Content, artifact.ContentHash, nullable(artifact.Language),
		nullable(artifact.DiffFromPrevious), artifact.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return artifact, nil
}

// Get returns one artifact by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Artifact, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` FROM artifacts WHERE id = ?`, id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return artifact, err
}

// List returns the operation's artifacts in creation order.
func (r *Repository) List(ctx context.Context, operationID string) ([]models.Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` FROM artifacts WHERE operation_id = ? ORDER BY created_at ASC, id ASC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

// MarkPartial flags every artifact of a cancelled operation as partial.
// The artifacts themselves are retained.
func (r *Repository) MarkPartial(ctx context.Context, operationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE artifacts SET partial = 1 WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("mark partial: %w", err)
	}
	return nil
}

// latestForPath returns the most recent artifact for (operation, path).
func (r *Repository) latestForPath(ctx context.Context, operationID, path string) (*models.Artifact, error) {
	row := r.db.QueryRowContext(ctx,
		selectColumns+` FROM artifacts WHERE operation_id = ? AND path = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, operationID, path)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return artifact, err
}

const selectColumns = `SELECT id, operation_id, kind, path, content, content_hash, language, diff_from_previous, partial, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var artifact models.Artifact
	var kind string
	var path, language, diff sql.NullString
	var partial int
	err := row.Scan(&artifact.ID, &artifact.OperationID, &kind, &path, &artifact.Content,
		&artifact.ContentHash, &language, &diff, &partial, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	artifact.Kind = models.ArtifactKind(kind)
	artifact.Path = path.String
	artifact.Language = language.String
	artifact.DiffFromPrevious = diff.String
	artifact.Partial = partial != 0
	return &artifact, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package operations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProjectStore is the key/value projects side-table used by context
// assembly (guidelines, scaffolding pointers).
type ProjectStore struct {
	db *sql.DB
}

// NewProjectStore wraps an opened database.
func NewProjectStore(db *sql.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// Get returns the value for key, or "" when absent.
func (s *ProjectStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM projects WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get project key %s: %w", key, err)
	}
	return value, nil
}

// Set upserts the value for key.
func (s *ProjectStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set project key %s: %w", key, err)
	}
	return nil
}

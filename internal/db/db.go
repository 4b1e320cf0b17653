// Package db opens the SQLite database and bootstraps its schema.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. Pass ":memory:" for an in-process database.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if dsn != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; bounding the pool avoids lock churn.
	database.SetMaxOpenConns(1)

	if err := ensureSchema(context.Background(), database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func ensureSchema(ctx context.Context, database *sql.DB) error {
	for _, stmt := range schema {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		created_at    TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		active        INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		tags          TEXT NOT NULL DEFAULT '[]',
		created_at    TIMESTAMP NOT NULL,
		has_embedding INTEGER NOT NULL DEFAULT 0,
		salience      REAL,
		is_code       INTEGER NOT NULL DEFAULT 0,
		topics        TEXT,
		heads         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_id_desc ON messages (session_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unembedded ON messages (has_embedding, created_at)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL,
		user_message TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS operation_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		type         TEXT NOT NULL,
		payload      TEXT,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_events ON operation_events (operation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id                 TEXT PRIMARY KEY,
		operation_id       TEXT NOT NULL,
		kind               TEXT NOT NULL,
		path               TEXT,
		content            TEXT NOT NULL,
		content_hash       TEXT NOT NULL,
		language           TEXT,
		diff_from_previous TEXT,
		partial            INTEGER NOT NULL DEFAULT 0,
		created_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_operation ON artifacts (operation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS projects (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

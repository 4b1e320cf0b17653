package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conarylabs/mira/pkg/models"
)

// ErrNotFound is returned when a session or message id is absent.
var ErrNotFound = errors.New("not found")

// Store is the durable append-mostly message log plus session rows, backed
// by SQLite. It exclusively owns message rows; the vector store references
// them by id only.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a message and bumps the owning session row in one
// transaction, creating the session on first message. The session's
// message_count therefore always equals its persisted row count.
func (s *Store) Append(ctx context.Context, sessionID string, role models.Role, content string, tags []string) (*models.MemoryEntry, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	now := time.Now().UTC()
	tagsJSON, err := json.Marshal(emptyIfNil(tags))
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, message_count, active)
		VALUES (?, ?, ?, 1, 1)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = excluded.last_activity,
			message_count = message_count + 1,
			active        = 1`,
		sessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tags, created_at, has_embedding)
		VALUES (?, ?, ?, ?, ?, 0)`,
		sessionID, string(role), content, string(tagsJSON), now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &models.MemoryEntry{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
	}, nil
}

// LoadRecent returns the session's most recent messages, newest first.
// This is the hot path; it rides the (session_id, id DESC) index.
func (s *Store) LoadRecent(ctx context.Context, sessionID string, limit int) ([]models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tags, created_at, has_embedding, salience, is_code, topics, heads
		FROM messages WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LoadRange returns messages with from <= id <= to for the session, in
// ascending id order.
func (s *Store) LoadRange(ctx context.Context, sessionID string, from, to int64) ([]models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tags, created_at, has_embedding, salience, is_code, topics, heads
		FROM messages WHERE session_id = ? AND id >= ? AND id <= ?
		ORDER BY id ASC`, sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LoadByIDs returns the entries for the given ids; ids with no row are
// silently dropped from the result.
func (s *Store) LoadByIDs(ctx context.Context, ids []int64) (map[int64]models.MemoryEntry, error) {
	out := make(map[int64]models.MemoryEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// Bounded fan-out per id keeps the query simple; recall k values are small.
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = *entry
	}
	return out, nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, tags, created_at, has_embedding, salience, is_code, topics, heads
		FROM messages WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return entry, nil
}

// MarkHasEmbedding flips the embedding flag; called only after every vector
// write for the message has succeeded.
func (s *Store) MarkHasEmbedding(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET has_embedding = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark embedded %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachAnalysis records the late classification result on the message.
func (s *Store) AttachAnalysis(ctx context.Context, id int64, salience float64, isCode bool, topics, heads []string) error {
	topicsJSON, err := json.Marshal(emptyIfNil(topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	headsJSON, err := json.Marshal(emptyIfNil(heads))
	if err != nil {
		return fmt.Errorf("encode heads: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET salience = ?, is_code = ?, topics = ?, heads = ? WHERE id = ?`,
		salience, boolToInt(isCode), string(topicsJSON), string(headsJSON), id)
	if err != nil {
		return fmt.Errorf("attach analysis %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadUnembedded returns messages still waiting for vectors, oldest first,
// for the reconciliation job.
func (s *Store) LoadUnembedded(ctx context.Context, olderThan time.Time, limit int) ([]models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tags, created_at, has_embedding, salience, is_code, topics, heads
		FROM messages WHERE has_embedding = 0 AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("load unembedded: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetSession returns one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity, message_count, active
		FROM sessions WHERE id = ?`, id)
	var sess models.Session
	var active int
	err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.MessageCount, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.Active = active != 0
	return &sess, nil
}

// ListSessions returns sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity, message_count, active
		FROM sessions ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var active int
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.MessageCount, &active); err != nil {
			return nil, err
		}
		sess.Active = active != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeactivateIdle marks sessions idle since before the cutoff as inactive
// and returns how many were flipped. Sessions are never deleted.
func (s *Store) DeactivateIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0 WHERE active = 1 AND last_activity < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate idle: %w", err)
	}
	return res.RowsAffected()
}

// CountMessages returns the number of rows for the session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	var role, tagsJSON string
	var hasEmbedding, isCode int
	var salience sql.NullFloat64
	var topicsJSON, headsJSON sql.NullString

	err := row.Scan(&entry.ID, &entry.SessionID, &role, &entry.Content, &tagsJSON,
		&entry.CreatedAt, &hasEmbedding, &salience, &isCode, &topicsJSON, &headsJSON)
	if err != nil {
		return nil, err
	}
	entry.Role = models.Role(role)
	entry.HasEmbedding = hasEmbedding != 0
	entry.IsCode = isCode != 0
	if salience.Valid {
		v := salience.Float64
		entry.Salience = &v
	}
	_ = json.Unmarshal([]byte(tagsJSON), &entry.Tags)
	if topicsJSON.Valid {
		_ = json.Unmarshal([]byte(topicsJSON.String), &entry.Topics)
	}
	if headsJSON.Valid {
		_ = json.Unmarshal([]byte(headsJSON.String), &entry.Heads)
	}
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]models.MemoryEntry, error) {
	var out []models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

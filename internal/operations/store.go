package operations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conarylabs/mira/pkg/models"
)

// ErrNotFound is returned when an operation id is absent.
var ErrNotFound = errors.New("operation not found")

// ErrTerminal is returned when a transition is attempted on an operation
// already in a terminal status.
var ErrTerminal = errors.New("operation is terminal")

// Store persists operations and their append-only event logs.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending operation and its first status_change event.
func (s *Store) Create(ctx context.Context, sessionID, kind, userMessage string) (*models.Operation, error) {
	now := time.Now().UTC()
	op := &models.Operation{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		Status:      models.StatusPending,
		UserMessage: userMessage,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, session_id, kind, status, user_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SessionID, op.Kind, string(op.Status), op.UserMessage, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert operation: %w", err)
	}
	if err := s.addStatusEvent(ctx, op.ID, "", op.Status, ""); err != nil {
		return nil, err
	}
	return op, nil
}

// Get returns one operation.
func (s *Store) Get(ctx context.Context, id string) (*models.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, status, user_message, created_at, updated_at,
		       input_tokens, output_tokens, reasoning_tokens
		FROM operations WHERE id = ?`, id)
	var op models.Operation
	var status string
	err := row.Scan(&op.ID, &op.SessionID, &op.Kind, &status, &op.UserMessage,
		&op.CreatedAt, &op.UpdatedAt,
		&op.TokenUsage.Input, &op.TokenUsage.Output, &op.TokenUsage.Reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.Status = models.OperationStatus(status)
	return &op, nil
}

// Transition moves the operation to a new status, logging a status_change
// event. Transitions out of a terminal status are rejected.
func (s *Store) Transition(ctx context.Context, id string, to models.OperationStatus, reason string) error {
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, op.Status)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.addStatusEvent(ctx, id, op.Status, to, reason)
}

// AddTokenUsage accumulates provider-reported usage onto the operation.
func (s *Store) AddTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			reasoning_tokens = reasoning_tokens + ?,
			updated_at = ?
		WHERE id = ?`,
		usage.Input, usage.Output, usage.Reasoning, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	return nil
}

// AddEvent appends one event to the operation's log.
func (s *Store) AddEvent(ctx context.Context, operationID, eventType string, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_events (operation_id, type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		operationID, eventType, nullableBytes(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the operation's events in insertion order.
func (s *Store) Events(ctx context.Context, operationID string) ([]models.OperationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, type, payload, created_at
		FROM operation_events WHERE operation_id = ?
		ORDER BY id ASC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.OperationEvent
	for rows.Next() {
		var event models.OperationEvent
		var payload sql.NullString
		if err := rows.Scan(&event.ID, &event.OperationID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *Store) addStatusEvent(ctx context.Context, id string, from, to models.OperationStatus, reason string) error {
	payload := map[string]string{"to_status": string(to)}
	if from != "" {
		payload["from_status"] = string(from)
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.AddEvent(ctx, id, models.EventStatusChange, payload)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

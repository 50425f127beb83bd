package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is an event waiting to be relayed to the broker
type OutboxMessage struct {
	ID      string
	Subject string
	MsgID   string
	Payload []byte
	Retries int
}

// EnqueueOutbox stores an event for later publishing. A second event with
// the same msgID is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, subject, msgID string, payload []byte) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO outbox (id, subject, msg_id, payload, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`), uuid.NewString(), subject, msgID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DueOutbox returns unpublished events whose next attempt is due, oldest first
func (s *Store) DueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(`
		SELECT id, subject, msg_id, payload, retries
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`), s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var (
			m       OutboxMessage
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Subject, &m.MsgID, &payload, &m.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkPublished records a successful publish
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE outbox SET published_at = ? WHERE id = ?`),
		s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry pushes the next attempt out by backoff and records the failure
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE outbox
		SET retries = retries + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`), s.now().Add(backoff).UnixMilli(), msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingOutbox counts events not yet published
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

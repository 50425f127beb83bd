package store

import (
	"context"
	"fmt"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// UpsertMessages stores canonical messages, leaving existing ids untouched.
// It returns how many rows were new, so repeating a batch returns 0.
func (s *Store) UpsertMessages(ctx context.Context, owner domain.Owner, msgs []domain.CanonicalMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO messages
		(id, account_id, thread_id, sender_name, sender_address, subject, snippet, body, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	createdAt := toMillis(s.now())

	inserted := 0
	for _, m := range msgs {
		res, err := tx.ExecContext(ctx, query,
			m.ID, owner.AccountID, m.ThreadID, m.SenderName, nullString(m.SenderAddress),
			m.Subject, m.Snippet, m.Body, toMillis(m.ReceivedAt), createdAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// CountMessages returns the stored message count for an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM messages WHERE account_id = ?`), accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

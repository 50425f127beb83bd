package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// CreateAccount inserts a linked mailbox
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	if a.Provider == "" {
		a.Provider = domain.ProviderGoogle
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, user_id, email, provider, refresh_token, is_syncing, last_synced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.UserID, a.Email, string(a.Provider), a.RefreshToken, false, nullMillis(a.LastSyncedAt), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount loads one account
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var (
		a         domain.Account
		provider  string
		lockUntil sql.NullInt64
		lastSync  sql.NullInt64
		created   int64
	)
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, email, provider, refresh_token, is_syncing, lock_expires_at, last_synced_at, created_at
		FROM accounts WHERE id = ?
	`), id).Scan(&a.ID, &a.UserID, &a.Email, &provider, &a.RefreshToken, &a.IsSyncing, &lockUntil, &lastSync, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	a.Provider = domain.Provider(provider)
	a.CreatedAt = fromMillis(created)
	if lockUntil.Valid {
		t := fromMillis(lockUntil.Int64)
		a.LockExpiresAt = &t
	}
	if lastSync.Valid {
		t := fromMillis(lastSync.Int64)
		a.LastSyncedAt = &t
	}
	return &a, nil
}

// ErrLockLost is returned when a run no longer owns its account's lock
var ErrLockLost = errors.New("sync lock lost")

// AcquireSyncLock sets the sync flag iff it is clear or its lease has lapsed,
// and records owner as the holder. The check and the set are one conditional
// UPDATE, so concurrent callers cannot both win.
func (s *Store) AcquireSyncLock(ctx context.Context, accountID, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE accounts
		SET is_syncing = ?, lock_expires_at = ?, lock_owner = ?
		WHERE id = ? AND (is_syncing = ? OR lock_expires_at < ?)
	`), true, toMillis(now.Add(lease)), owner, accountID, false, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if err := s.accountExists(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

// RenewSyncLock pushes the lease of a held lock to now+lease.
// It fails with ErrLockLost when owner no longer holds the lock.
func (s *Store) RenewSyncLock(ctx context.Context, accountID, owner string, lease time.Duration) error {
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE accounts
		SET lock_expires_at = ?
		WHERE id = ? AND is_syncing = ? AND lock_owner = ?
	`), toMillis(s.now().Add(lease)), accountID, true, owner)
	if err != nil {
		return fmt.Errorf("failed to renew sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew sync lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseOwnedSyncLock clears the sync flag only while owner holds it.
// A run whose lease was taken over leaves the newer holder untouched and
// gets ErrLockLost.
func (s *Store) ReleaseOwnedSyncLock(ctx context.Context, accountID, owner string) error {
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET is_syncing = ?, lock_expires_at = NULL, lock_owner = NULL
		WHERE id = ? AND lock_owner = ?
	`), false, accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseSyncLock clears the sync flag whoever holds it. Used by the admin unlock.
func (s *Store) ReleaseSyncLock(ctx context.Context, accountID string) error {
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET is_syncing = ?, lock_expires_at = NULL, lock_owner = NULL WHERE id = ?
	`), false, accountID)
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// LastSyncedAt returns the account checkpoint, nil before the first sync
func (s *Store) LastSyncedAt(ctx context.Context, accountID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT last_synced_at FROM accounts WHERE id = ?
	`), accountID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ms.Valid {
		return nil, nil
	}
	t := fromMillis(ms.Int64)
	return &t, nil
}

// AdvanceCheckpoint moves last_synced_at forward to ts; an older ts is a no-op
func (s *Store) AdvanceCheckpoint(ctx context.Context, accountID string, ts time.Time) error {
	ms := toMillis(ts)
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE accounts
		SET last_synced_at = ?
		WHERE id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)
	`), ms, accountID, ms)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) accountExists(ctx context.Context, accountID string) error {
	var one int
	err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM accounts WHERE id = ?`), accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	return nil
}

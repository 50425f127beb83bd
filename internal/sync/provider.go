package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// Query bounds one provider search
type Query struct {
	AccountID string
	After     time.Time
}

// Page is one provider page of sanitized messages
type Page struct {
	Messages      []domain.CanonicalMessage
	NextPageToken string
}

// MailSource is a provider-agnostic paginated mailbox reader.
// Implementations return messages already sanitized to canonical form.
type MailSource interface {
	ListPage(ctx context.Context, q Query, pageToken string, pageSize int64) (*Page, error)
}

// SourceFactory builds a MailSource for the credentials carried by a task
type SourceFactory func(ctx context.Context, provider domain.Provider, refreshToken string) (MailSource, error)

// SourceError wraps a provider failure with its retry classification
type SourceError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a provider failure worth retrying later
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsPermanent reports whether err is a provider failure that no retry of the
// same task can fix, such as a revoked refresh token
func IsPermanent(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && !se.Retryable
}

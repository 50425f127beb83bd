// Package gmail reads a mailbox through the Gmail API and returns canonical
// messages.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/providers/breaker"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

const user = "me"

// Credentials identify the OAuth client the refresh tokens were issued to
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Adapter implements sync.MailSource for Gmail
type Adapter struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// NewBreaker returns the breaker guarding the Gmail API. Build it once per
// process and share it across adapters so failures from every run count.
func NewBreaker(log zerolog.Logger) *gobreaker.CircuitBreaker {
	return breaker.New("gmail-api", isPermanent, log)
}

// New creates an adapter that refreshes access tokens from refreshToken.
// A nil cb gives the adapter a breaker of its own.
func New(ctx context.Context, creds Credentials, refreshToken string, cb *gobreaker.CircuitBreaker, log zerolog.Logger) (*Adapter, error) {
	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	ts := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, cb, log), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, cb *gobreaker.CircuitBreaker, log zerolog.Logger) *Adapter {
	log = log.With().Str("provider", string(domain.ProviderGoogle)).Logger()
	if cb == nil {
		cb = NewBreaker(log)
	}
	return &Adapter{svc: svc, cb: cb, log: log}
}

// ListPage lists one page of messages received after q.After and fetches
// each in full.
func (a *Adapter) ListPage(ctx context.Context, q sync.Query, pageToken string, pageSize int64) (*sync.Page, error) {
	call := a.svc.Users.Messages.List(user).
		Q(fmt.Sprintf("after:%d", q.After.Unix())).
		MaxResults(pageSize).
		IncludeSpamTrash(false)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	out, err := a.cb.Execute(func() (interface{}, error) {
		return call.Context(ctx).Do()
	})
	if err != nil {
		return nil, classify("list messages", err)
	}
	list := out.(*gmail.ListMessagesResponse)

	page := &sync.Page{
		Messages:      make([]domain.CanonicalMessage, 0, len(list.Messages)),
		NextPageToken: list.NextPageToken,
	}
	for _, ref := range list.Messages {
		msg, err := a.get(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, a.sanitize(msg))
	}

	a.log.Debug().
		Str("account_id", q.AccountID).
		Int("messages", len(page.Messages)).
		Bool("more", page.NextPageToken != "").
		Msg("listed page")
	return page, nil
}

func (a *Adapter) get(ctx context.Context, id string) (*gmail.Message, error) {
	out, err := a.cb.Execute(func() (interface{}, error) {
		return a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("get message %s", id), err)
	}
	return out.(*gmail.Message), nil
}

func isPermanent(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return !retryableCode(gerr.Code)
	}
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr)
}

func retryableCode(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classify wraps err with its retry classification
func classify(op string, err error) error {
	retryable := false
	var gerr *googleapi.Error
	var rerr *oauth2.RetrieveError
	switch {
	case breaker.Rejected(err):
		retryable = true
	case errors.As(err, &gerr):
		retryable = retryableCode(gerr.Code)
	case errors.As(err, &rerr):
		retryable = false
	case errors.Is(err, context.Canceled):
		retryable = false
	default:
		// transport failures, deadlines
		retryable = true
	}
	return &sync.SourceError{Op: op, Retryable: retryable, Err: err}
}

// Package outlook reads a mailbox through Microsoft Graph and returns
// canonical messages.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/providers/breaker"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

var messageFields = []string{"id", "conversationId", "subject", "from", "body", "bodyPreview", "receivedDateTime"}

// Credentials identify the Azure AD app the refresh tokens were issued to
type Credentials struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

// Adapter implements sync.MailSource for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

// NewBreaker returns the breaker guarding Microsoft Graph, shared by every
// adapter in the process
func NewBreaker(log zerolog.Logger) *gobreaker.CircuitBreaker {
	return breaker.New("graph-api", isPermanent, log)
}

// New creates an adapter that refreshes access tokens from refreshToken.
// A nil cb gives the adapter a breaker of its own.
func New(ctx context.Context, creds Credentials, refreshToken string, cb *gobreaker.CircuitBreaker, log zerolog.Logger) (*Adapter, error) {
	tenant := creds.Tenant
	if tenant == "" {
		tenant = "common"
	}
	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"https://graph.microsoft.com/Mail.Read", "offline_access"},
	}
	cred := &tokenSourceCredential{src: config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	log = log.With().Str("provider", string(domain.ProviderMicrosoft)).Logger()
	if cb == nil {
		cb = NewBreaker(log)
	}
	return &Adapter{client: client, cb: cb, log: log}, nil
}

// ListPage returns messages received at or after q.After, oldest first.
// The page token is the @odata.nextLink of the previous page.
func (a *Adapter) ListPage(ctx context.Context, q sync.Query, pageToken string, pageSize int64) (*sync.Page, error) {
	out, err := a.cb.Execute(func() (interface{}, error) {
		if pageToken != "" {
			return a.client.Me().Messages().WithUrl(pageToken).Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
				Headers: preferText(),
			})
		}
		return a.client.Me().Messages().Get(ctx, listConfig(q.After, pageSize))
	})
	if err != nil {
		return nil, classify("list messages", err)
	}
	result := out.(models.MessageCollectionResponseable)

	page := &sync.Page{Messages: make([]domain.CanonicalMessage, 0, len(result.GetValue()))}
	for _, m := range result.GetValue() {
		msg := normalize(m)
		if msg.SenderAddress == nil {
			a.log.Warn().Str("message_id", msg.ID).Msg("sender address missing")
		}
		page.Messages = append(page.Messages, msg)
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}

	a.log.Debug().
		Str("account_id", q.AccountID).
		Int("messages", len(page.Messages)).
		Bool("more", page.NextPageToken != "").
		Msg("listed page")
	return page, nil
}

func listConfig(after time.Time, pageSize int64) *users.ItemMessagesRequestBuilderGetRequestConfiguration {
	filter := "receivedDateTime ge " + after.UTC().Format(time.RFC3339)
	top := int32(pageSize)
	return &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		Headers: preferText(),
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
			Top:     &top,
			Select:  messageFields,
		},
	}
}

// preferText asks Graph to render bodies as plain text where it can
func preferText() *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	h.Add("Prefer", `outlook.body-content-type="text"`)
	return h
}

func statusCode(err error) (int, bool) {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode, true
	}
	return 0, false
}

func retryableCode(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func isPermanent(err error) bool {
	if code, ok := statusCode(err); ok {
		return !retryableCode(code)
	}
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr)
}

func classify(op string, err error) error {
	retryable := true
	var rerr *oauth2.RetrieveError
	if code, ok := statusCode(err); ok {
		retryable = retryableCode(code)
	} else if errors.As(err, &rerr) || errors.Is(err, context.Canceled) {
		retryable = false
	}
	if breaker.Rejected(err) {
		retryable = true
	}
	return &sync.SourceError{Op: op, Retryable: retryable, Err: err}
}

// tokenSourceCredential adapts an oauth2 token source to azcore
type tokenSourceCredential struct {
	src oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

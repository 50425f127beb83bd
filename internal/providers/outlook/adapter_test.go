package outlook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

func strPtr(s string) *string { return &s }

func graphMessage(id, name, addr string, bodyType models.BodyType, content string) models.Messageable {
	m := models.NewMessage()
	m.SetId(strPtr(id))
	m.SetConversationId(strPtr("conv-" + id))
	m.SetSubject(strPtr("  Order confirmed "))
	m.SetBodyPreview(strPtr("preview text"))
	received := time.Date(2025, 7, 4, 15, 0, 0, 0, time.FixedZone("IST", 19800))
	m.SetReceivedDateTime(&received)

	ea := models.NewEmailAddress()
	if name != "" {
		ea.SetName(strPtr(name))
	}
	if addr != "" {
		ea.SetAddress(strPtr(addr))
	}
	from := models.NewRecipient()
	from.SetEmailAddress(ea)
	m.SetFrom(from)

	if content != "" {
		body := models.NewItemBody()
		body.SetContent(strPtr(content))
		body.SetContentType(&bodyType)
		m.SetBody(body)
	}
	return m
}

func TestNormalize(t *testing.T) {
	m := normalize(graphMessage("m1", "Amazon.in", "order-update@amazon.in", models.HTML_BODYTYPE,
		"<html><body><style>.x{}</style><p>Order #404-1</p><p>Total: ₹499</p></body></html>"))

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "conv-m1", m.ThreadID)
	assert.Equal(t, "Order confirmed", m.Subject)
	assert.Equal(t, "Amazon.in", m.SenderName)
	require.NotNil(t, m.SenderAddress)
	assert.Equal(t, "order-update@amazon.in", *m.SenderAddress)
	assert.Equal(t, "Order #404-1\n\nTotal: ₹499", m.Body)
	assert.Equal(t, time.Date(2025, 7, 4, 9, 30, 0, 0, time.UTC), m.ReceivedAt)
}

func TestNormalize_TextBodyAndMissingAddress(t *testing.T) {
	m := normalize(graphMessage("m2", "Bank", "", models.TEXT_BODYTYPE, "Rs.10   debited\n\n\n\nThanks"))
	assert.Nil(t, m.SenderAddress)
	assert.Equal(t, "Bank", m.SenderName)
	assert.Equal(t, "Rs.10 debited\n\nThanks", m.Body)
}

func TestNormalize_FallsBackToPreview(t *testing.T) {
	m := normalize(graphMessage("m3", "", "alerts@icici.com", models.TEXT_BODYTYPE, ""))
	assert.Equal(t, "preview text", m.Body)
	assert.Equal(t, "alerts@icici.com", m.SenderName)
}

func TestListConfig(t *testing.T) {
	after := time.Date(2025, 7, 1, 5, 30, 0, 0, time.FixedZone("IST", 19800))
	cfg := listConfig(after, 25)

	require.NotNil(t, cfg.QueryParameters)
	assert.Equal(t, "receivedDateTime ge 2025-07-01T00:00:00Z", *cfg.QueryParameters.Filter)
	assert.Equal(t, []string{"receivedDateTime asc"}, cfg.QueryParameters.Orderby)
	assert.Equal(t, int32(25), *cfg.QueryParameters.Top)
	assert.Contains(t, cfg.QueryParameters.Select, "body")
	assert.Equal(t, []string{`outlook.body-content-type="text"`}, cfg.Headers.Get("Prefer"))
}

func TestClassify(t *testing.T) {
	throttled := odataerrors.NewODataError()
	throttled.ResponseStatusCode = 429
	unauthorized := odataerrors.NewODataError()
	unauthorized.ResponseStatusCode = 401

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttled", throttled, true},
		{"unauthorized", unauthorized, false},
		{"refresh rejected", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, false},
		{"cancelled", context.Canceled, false},
		{"network", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sync.IsRetryable(classify("list messages", tt.err)))
		})
	}
}

type staticSource struct {
	tok *oauth2.Token
	err error
}

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, s.err }

func TestTokenSourceCredential(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute)
	cred := &tokenSourceCredential{src: staticSource{tok: &oauth2.Token{AccessToken: "at", Expiry: expiry}}}

	tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "at", tok.Token)
	assert.Equal(t, expiry, tok.ExpiresOn)

	cred = &tokenSourceCredential{src: staticSource{err: errors.New("invalid_grant")}}
	_, err = cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	assert.Error(t, err)
}

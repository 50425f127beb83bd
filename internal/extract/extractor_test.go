package extract

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/genai"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

type scriptedGenerator struct {
	replies []string
	errs    []error
	prompts []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return "[]", nil
}

type memArchive struct {
	kinds []string
	raw   [][]byte
}

func (a *memArchive) Archive(_ context.Context, _, kind string, raw []byte) error {
	a.kinds = append(a.kinds, kind)
	a.raw = append(a.raw, raw)
	return nil
}

var fastRetry = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}

func message(id, body string) domain.CanonicalMessage {
	addr := "alerts@hdfcbank.net"
	return domain.CanonicalMessage{
		ID:            id,
		AccountID:     "acc-1",
		SenderName:    "HDFC Bank",
		SenderAddress: &addr,
		Subject:       "Alert",
		Body:          body,
		ReceivedAt:    time.Date(2025, 7, 4, 9, 15, 0, 0, time.UTC),
	}
}

func newExtractor(gen Generator) *Extractor {
	return New(gen, Options{Retry: fastRetry, MaxBodyChars: 4000}, zerolog.Nop())
}

func TestExtractTransactions_CopiesProvenance(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`[{"id":"m1","amount":65.00,"transaction_type":"debit","source_identifier":"1531","destination":"Q285361434@ybl","reference_number":"254342617978","mode":"UPI","reason":"Payment"}]`,
	}}
	e := newExtractor(gen)

	txs, err := e.ExtractTransactions(context.Background(), []domain.CanonicalMessage{
		message("m1", "Rs.65.00 has been debited from account 1531"),
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	tx := txs[0]
	assert.Equal(t, "m1", tx.ID)
	assert.Equal(t, "65", tx.Amount.String())
	assert.Equal(t, domain.TransactionDebit, tx.Type)
	assert.Equal(t, domain.ModeUPI, tx.Mode)
	assert.Equal(t, "HDFC Bank", tx.SenderName)
	require.NotNil(t, tx.SenderAddress)
	assert.Equal(t, "alerts@hdfcbank.net", *tx.SenderAddress)
	assert.Equal(t, time.Date(2025, 7, 4, 9, 15, 0, 0, time.UTC), tx.OccurredAt)
	require.NotNil(t, tx.ReferenceNumber)
	assert.Equal(t, "254342617978", *tx.ReferenceNumber)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "ID m1:\n")
	assert.Contains(t, gen.prompts[0], "From: HDFC Bank <alerts@hdfcbank.net>")
}

func TestExtractTransactions_FencedReply(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"Sure! ```json\n[]\n```"}}
	txs, err := newExtractor(gen).ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "body")})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestExtractTransactions_UnparseableReply(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"I could not find any transactions."}}
	txs, err := newExtractor(gen).ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "body")})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestExtractTransactions_FiltersRecords(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`[
		{"id":"m1","amount":10,"transaction_type":"credit","mode":"Credit Card"},
		{"id":"m1","amount":99,"transaction_type":"debit","mode":"UPI"},
		{"id":"ghost","amount":5,"transaction_type":"debit","mode":"UPI"},
		{"id":"m2","amount":-3,"transaction_type":"debit","mode":"UPI"},
		{"id":"m3","amount":7,"transaction_type":"Debit","mode":"UPI"},
		{"id":"m4","amount":8,"transaction_type":"debit","mode":"Cheque"},
		{"id":"m5","amount":"not a number","transaction_type":"debit"},
		{"id":"m6","amount":12.5,"transaction_type":"debit","mode":null}
	]`}}
	msgs := []domain.CanonicalMessage{
		message("m1", "a"), message("m2", "b"), message("m3", "c"),
		message("m4", "d"), message("m5", "e"), message("m6", "f"),
	}

	txs, err := newExtractor(gen).ExtractTransactions(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "m1", txs[0].ID)
	assert.Equal(t, domain.TransactionCredit, txs[0].Type, "first record for a duplicate id wins")
	assert.Equal(t, domain.ModeCreditCard, txs[0].Mode)

	assert.Equal(t, "m6", txs[1].ID)
	assert.Equal(t, domain.ModeUnknown, txs[1].Mode)
}

func TestExtractTransactions_SkipsEmptyBodies(t *testing.T) {
	gen := &scriptedGenerator{}
	e := newExtractor(gen)

	txs, err := e.ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "  \n ")})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, gen.prompts, "no model call for an all-empty batch")

	_, err = e.ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", ""), message("m2", "Rs.5 debited")})
	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)
	assert.NotContains(t, gen.prompts[0], "ID m1:")
	assert.Contains(t, gen.prompts[0], "ID m2:")
}

func TestExtractTransactions_TruncatesBodies(t *testing.T) {
	gen := &scriptedGenerator{}
	e := New(gen, Options{Retry: fastRetry, MaxBodyChars: 10}, zerolog.Nop())

	_, err := e.ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", strings.Repeat("x", 50))})
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], strings.Repeat("x", 10)+"\n")
	assert.NotContains(t, gen.prompts[0], strings.Repeat("x", 11))
}

func TestExtractTransactions_RetriesTransient(t *testing.T) {
	gen := &scriptedGenerator{
		errs: []error{
			genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"},
			&googleapi.Error{Code: http.StatusServiceUnavailable},
		},
		replies: []string{"", "", `[{"id":"m1","amount":1,"transaction_type":"debit","mode":"ATM"}]`},
	}
	txs, err := newExtractor(gen).ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "body")})
	require.NoError(t, err)
	assert.Len(t, gen.prompts, 3)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.ModeATM, txs[0].Mode)
}

func TestExtractTransactions_ExhaustsAttempts(t *testing.T) {
	unavailable := genai.APIError{Code: http.StatusInternalServerError}
	gen := &scriptedGenerator{errs: []error{unavailable, unavailable, unavailable, unavailable}}

	_, err := newExtractor(gen).ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "body")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Len(t, gen.prompts, 3)
}

func TestExtractTransactions_PermanentErrorNotRetried(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{&googleapi.Error{Code: http.StatusBadRequest}}}

	_, err := newExtractor(gen).ExtractTransactions(context.Background(), []domain.CanonicalMessage{message("m1", "body")})
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Len(t, gen.prompts, 1)
}

func TestExtractOrders(t *testing.T) {
	archive := &memArchive{}
	gen := &scriptedGenerator{replies: []string{"```json\n" + `[
		{"id":"m1","order_id":"OD-1","vendor":"Swiggy","order_date":"2025-07-04","currency":"INR","sub_total":300,"total":320.5,
		 "items":[{"name":"Masala Dosa","item_type":"food","quantity":2,"unit_type":"plate","unit_price":150,"total":300,"category":"Food"}]},
		{"id":"m1","order_id":"OD-1","vendor":"Duplicate"},
		{"id":"m2","order_id":"","vendor":"Nobody"},
		{"id":"m3","order_id":"OD-3","vendor":null,"total":null}
	]` + "\n```"}}
	e := New(gen, Options{Retry: fastRetry, Archiver: archive}, zerolog.Nop())

	orders, err := e.ExtractOrders(context.Background(), []domain.CanonicalMessage{
		message("m1", "Your Swiggy order"), message("m2", "x"), message("m3", "y"),
	})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	o := orders[0]
	assert.Equal(t, "OD-1", o.ExternalOrderID)
	assert.Equal(t, "m1", o.MessageID)
	assert.Equal(t, "acc-1", o.AccountID)
	require.NotNil(t, o.Vendor)
	assert.Equal(t, "Swiggy", *o.Vendor)
	require.NotNil(t, o.OrderDate)
	assert.Equal(t, time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC), *o.OrderDate)
	assert.Equal(t, "320.5", o.Total.Decimal.String())
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Masala Dosa", o.Items[0].Name)
	assert.Equal(t, "2", o.Items[0].Quantity.Decimal.String())

	assert.Equal(t, "OD-3", orders[1].ExternalOrderID)
	assert.Nil(t, orders[1].Vendor)
	assert.False(t, orders[1].Total.Valid)

	assert.Equal(t, []string{"orders"}, archive.kinds)
	assert.Contains(t, gen.prompts[0], "order confirmations")
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `[{"a":1}]`, `[{"a":1}]`},
		{"fenced", "```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"fence without tag", "```\n[]\n```", `[]`},
		{"prose and fence", "Sure! ```json\n[]\n```", `[]`},
		{"fence wins over prose brackets", "Found [2] items:\n```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"no fence", "  nothing  ", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelJSON(tt.in))
		})
	}
}

func TestSplitArray(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   int
		wantOK bool
	}{
		{name: "plain", in: `[{"id":"m1"},{"id":"m2"}]`, want: 2, wantOK: true},
		{name: "prose around", in: "Here you go:\n[{\"id\":\"m1\"}]\nHope that helps", want: 1, wantOK: true},
		{name: "bracketed count before array", in: `Found [2] items: [{"id":"m1"},{"id":"m2"}] (see [notes])`, want: 2, wantOK: true},
		{name: "empty array", in: "No transactions: []", want: 0, wantOK: true},
		{name: "fenced", in: "```json\n[{\"id\":\"m1\"}]\n```", want: 1, wantOK: true},
		{name: "no array", in: "nothing to report", wantOK: false},
		{name: "truncated", in: `[{"id":"m1"`, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elems, ok := splitArray(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Len(t, elems, tt.want)
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", genai.APIError{Code: 429}, true},
		{"server error pointer", &genai.APIError{Code: 503}, true},
		{"request timeout", &googleapi.Error{Code: 408}, true},
		{"bad request", genai.APIError{Code: 400}, false},
		{"forbidden", &googleapi.Error{Code: 403}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BackoffBase: time.Second, BackoffMax: 8 * time.Second}
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 8*time.Second, p.backoff(4))
	assert.Equal(t, 8*time.Second, p.backoff(10))
}

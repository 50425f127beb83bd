// Package extract turns batches of canonical messages into transactions and
// orders by prompting a language model.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// ErrExtractionFailed wraps the last model error once retries are exhausted
var ErrExtractionFailed = errors.New("extraction failed")

const (
	kindTransactions = "transactions"
	kindOrders       = "orders"
)

// Archiver keeps a copy of raw model replies
type Archiver interface {
	Archive(ctx context.Context, accountID, kind string, raw []byte) error
}

// Options configures an Extractor
type Options struct {
	Retry        RetryPolicy
	MaxBodyChars int
	Archiver     Archiver // optional
}

// Extractor batches messages into one prompt per call
type Extractor struct {
	gen  Generator
	opts Options
	log  zerolog.Logger
}

func New(gen Generator, opts Options, log zerolog.Logger) *Extractor {
	return &Extractor{
		gen:  gen,
		opts: opts,
		log:  log.With().Str("component", "extractor").Logger(),
	}
}

// ExtractTransactions returns the transactions the model found in msgs.
// Messages with an empty body are not sent. A reply that is not a JSON array
// yields no records and no error.
func (e *Extractor) ExtractTransactions(ctx context.Context, msgs []domain.CanonicalMessage) ([]domain.Transaction, error) {
	batch, byID := withBody(msgs)
	if len(batch) == 0 {
		return nil, nil
	}

	elems, err := e.ask(ctx, kindTransactions, transactionPrompt, batch)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, raw := range elems {
		var rt rawTransaction
		if err := json.Unmarshal(raw, &rt); err != nil {
			e.log.Warn().Err(err).Int("index", i).Msg("dropping malformed transaction")
			continue
		}
		src, ok := byID[rt.ID]
		if !ok {
			e.log.Warn().Err(errUnknownMessage).Str("id", rt.ID).Msg("dropping transaction")
			continue
		}
		if seen[rt.ID] {
			e.log.Debug().Str("id", rt.ID).Msg("duplicate transaction id, keeping first")
			continue
		}
		tx, err := rt.toDomain(src)
		if err != nil {
			e.log.Warn().Err(err).Str("id", rt.ID).Msg("dropping invalid transaction")
			continue
		}
		seen[rt.ID] = true
		out = append(out, tx)
	}
	return out, nil
}

// ExtractOrders returns the orders the model found in msgs. Orders repeating
// an order id within the reply keep the first occurrence.
func (e *Extractor) ExtractOrders(ctx context.Context, msgs []domain.CanonicalMessage) ([]domain.Order, error) {
	batch, byID := withBody(msgs)
	if len(batch) == 0 {
		return nil, nil
	}

	elems, err := e.ask(ctx, kindOrders, orderPrompt, batch)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, raw := range elems {
		var ro rawOrder
		if err := json.Unmarshal(raw, &ro); err != nil {
			e.log.Warn().Err(err).Int("index", i).Msg("dropping malformed order")
			continue
		}
		src, ok := byID[ro.ID]
		if !ok {
			e.log.Warn().Err(errUnknownMessage).Str("id", ro.ID).Msg("dropping order")
			continue
		}
		o, err := ro.toDomain(src)
		if err != nil {
			e.log.Warn().Err(err).Str("id", ro.ID).Msg("dropping invalid order")
			continue
		}
		if seen[o.ExternalOrderID] {
			continue
		}
		seen[o.ExternalOrderID] = true
		out = append(out, o)
	}
	return out, nil
}

func (e *Extractor) ask(ctx context.Context, kind, template string, batch []domain.CanonicalMessage) ([]json.RawMessage, error) {
	log := e.log.With().Str("kind", kind).Int("messages", len(batch)).Logger()
	prompt := buildPrompt(template, batch, e.opts.MaxBodyChars)

	text, attempts, err := generate(ctx, e.gen, prompt, e.opts.Retry, func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Msg("model call failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrExtractionFailed, attempts, err)
	}

	if e.opts.Archiver != nil {
		if aerr := e.opts.Archiver.Archive(ctx, batch[0].AccountID, kind, []byte(text)); aerr != nil {
			log.Warn().Err(aerr).Msg("failed to archive model output")
		}
	}

	elems, ok := splitArray(text)
	if !ok {
		log.Warn().Str("reply", preview(text)).Msg("model reply is not a JSON array")
		return nil, nil
	}
	log.Debug().Int("records", len(elems)).Int("attempts", attempts).Msg("model reply parsed")
	return elems, nil
}

func withBody(msgs []domain.CanonicalMessage) ([]domain.CanonicalMessage, map[string]domain.CanonicalMessage) {
	batch := make([]domain.CanonicalMessage, 0, len(msgs))
	byID := make(map[string]domain.CanonicalMessage, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		if _, dup := byID[m.ID]; dup {
			continue
		}
		batch = append(batch, m)
		byID[m.ID] = m
	}
	return batch, byID
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

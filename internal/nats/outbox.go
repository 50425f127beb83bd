package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/store"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

// OutboxStore persists events until the relay has published them
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, subject, msgID string, payload []byte) error
	DueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string) error
	MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration, cause error) error
	PendingOutbox(ctx context.Context) (int, error)
}

// Publisher sends one message to the broker
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// Outbox records run outcomes in the database and relays them to NATS.
// A broker outage delays events instead of losing them.
type Outbox struct {
	store      OutboxStore
	pub        Publisher
	log        zerolog.Logger
	batch      int
	maxBackoff time.Duration
}

// NewOutbox builds an outbox over st publishing through pub
func NewOutbox(st OutboxStore, pub Publisher, log zerolog.Logger) *Outbox {
	return &Outbox{
		store:      st,
		pub:        pub,
		log:        log.With().Str("component", "outbox").Logger(),
		batch:      50,
		maxBackoff: 5 * time.Minute,
	}
}

// SyncCompleted stores the outcome; the relay publishes it
func (o *Outbox) SyncCompleted(ctx context.Context, res sync.Result) error {
	subject, msgID, data, err := completedEvent(res)
	if err != nil {
		return err
	}
	return o.store.EnqueueOutbox(ctx, subject, msgID, data)
}

// Relay publishes due events every interval until ctx is cancelled
func (o *Outbox) Relay(ctx context.Context, interval time.Duration) {
	if n, err := o.store.PendingOutbox(ctx); err == nil && n > 0 {
		o.log.Info().Int("pending", n).Msg("relaying stored events")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.flush(ctx); err != nil && ctx.Err() == nil {
			o.log.Error().Err(err).Msg("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// flush publishes one batch and returns how many were sent
func (o *Outbox) flush(ctx context.Context) (int, error) {
	due, err := o.store.DueOutbox(ctx, o.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range due {
		if err := o.pub.Publish(ctx, m.Subject, m.MsgID, m.Payload); err != nil {
			backoff := o.backoff(m.Retries)
			o.log.Warn().Err(err).Str("msg_id", m.MsgID).Int("retries", m.Retries).Dur("backoff", backoff).Msg("publish failed")
			if err := o.store.MarkOutboxRetry(ctx, m.ID, backoff, err); err != nil {
				return sent, err
			}
			continue
		}
		if err := o.store.MarkPublished(ctx, m.ID); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		o.log.Debug().Int("sent", sent).Msg("outbox flushed")
	}
	return sent, nil
}

func (o *Outbox) backoff(retries int) time.Duration {
	d := time.Second << min(retries, 16)
	if d > o.maxBackoff {
		return o.maxBackoff
	}
	return d
}

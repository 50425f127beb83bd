package natsjs

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/inbox-ledger/internal/sync"
	"github.com/Martian-dev/inbox-ledger/internal/tasks"
)

// Runner executes a task; *sync.Manager satisfies it
type Runner interface {
	Run(ctx context.Context, task tasks.SyncAccount) (sync.Result, error)
}

// ConsumerConfig tunes the durable pull consumer
type ConsumerConfig struct {
	Durable     string
	AckWait     time.Duration
	MaxDeliver  int
	NakDelay    time.Duration
	Concurrency int
}

// acker is the part of *nats.Msg a handler needs
type acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

type outcome string

const (
	outcomeAck  outcome = "ack"
	outcomeNak  outcome = "nak"
	outcomeTerm outcome = "term"
)

// Consume pulls tasks until ctx is cancelled, then waits for in-flight runs.
// Runs themselves are not cancelled.
func (c *Client) Consume(ctx context.Context, runner Runner, cfg ConsumerConfig) error {
	if cfg.Durable == "" {
		cfg.Durable = "inbox-ledger-sync"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	sub, err := c.js.PullSubscribe(taskSubjectPrefix+"*", cfg.Durable,
		nats.BindStream(TasksStream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.Concurrency*2),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TasksStream, err)
	}

	c.log.Info().Str("durable", cfg.Durable).Int("concurrency", cfg.Concurrency).Msg("consuming sync tasks")

	slots := make(chan struct{}, cfg.Concurrency)
	var wg gosync.WaitGroup
	defer wg.Wait()

	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
				c.log.Warn().Err(err).Msg("fetch failed")
				time.Sleep(time.Second)
			}
			continue
		}
		if len(msgs) == 0 {
			<-slots
			continue
		}

		msg := msgs[0]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			stop := c.keepAlive(msg, cfg.AckWait)
			defer stop()
			c.handle(runCtx, runner, msg.Data, msg, cfg.NakDelay)
		}()
	}
}

// keepAlive extends the ack deadline while a long run is in progress
func (c *Client) keepAlive(m acker, ackWait time.Duration) func() {
	if ackWait <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(ackWait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := m.InProgress(); err != nil {
					c.log.Debug().Err(err).Msg("in-progress ack failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// handle runs one delivery and settles it. Invalid payloads and permanent
// provider failures are terminated, other failures are redelivered after
// nakDelay, everything else is acked.
func (c *Client) handle(ctx context.Context, runner Runner, data []byte, m acker, nakDelay time.Duration) outcome {
	task, err := tasks.Decode(data)
	if err != nil {
		c.log.Error().Err(err).Msg("dropping invalid sync task")
		if terr := m.Term(); terr != nil {
			c.log.Warn().Err(terr).Msg("term failed")
		}
		return outcomeTerm
	}

	log := c.log.With().Str("account_id", task.AccountID).Str("request_id", task.RequestID).Logger()
	res, err := runner.Run(ctx, task)
	if sync.IsPermanent(err) {
		log.Error().Err(err).Msg("sync task cannot succeed, dropping it")
		if terr := m.Term(); terr != nil {
			log.Warn().Err(terr).Msg("term failed")
		}
		return outcomeTerm
	}
	if err != nil {
		log.Warn().Err(err).Dur("retry_in", nakDelay).Msg("sync task failed, will be redelivered")
		if nerr := m.NakWithDelay(nakDelay); nerr != nil {
			log.Warn().Err(nerr).Msg("nak failed")
		}
		return outcomeNak
	}

	log.Debug().Str("status", string(res.Status)).Msg("sync task settled")
	if aerr := m.Ack(); aerr != nil {
		log.Warn().Err(aerr).Msg("ack failed")
	}
	return outcomeAck
}

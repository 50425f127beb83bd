package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/sync"
	"github.com/Martian-dev/inbox-ledger/internal/tasks"
)

const (
	TasksStream  = "SYNC_TASKS"
	EventsStream = "USER_EVENTS"

	taskSubjectPrefix = "sync.accounts."
)

// Client wraps a NATS connection and its JetStream context
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

// Connect dials NATS and reconnects indefinitely
func Connect(url string, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("inbox-ledger"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js, log: log}, nil
}

// EnsureStreams creates the task and event streams when missing
func (c *Client) EnsureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:       TasksStream,
			Subjects:   []string{taskSubjectPrefix + "*"},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     7 * 24 * time.Hour,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{"user.*.>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     30 * 24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if info, err := c.js.StreamInfo(cfg.Name); err == nil && info != nil {
			continue
		}
		if _, err := c.js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// subjectToken replaces characters NATS reserves in subject tokens
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// TaskSubject is the subject a task for accountID is published on
func TaskSubject(accountID string) string {
	return taskSubjectPrefix + subjectToken(accountID)
}

// CompletedSubject is the subject run outcomes for userID are published on
func CompletedSubject(userID string) string {
	return "user." + subjectToken(userID) + ".sync.completed"
}

// Enqueue publishes a sync task. The request id, when set, deduplicates
// retried publishes within the stream's duplicate window.
func (c *Client) Enqueue(ctx context.Context, task tasks.SyncAccount) error {
	data, err := tasks.Encode(task)
	if err != nil {
		return err
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if task.RequestID != "" {
		opts = append(opts, nats.MsgId(task.RequestID))
	}
	if _, err := c.js.Publish(TaskSubject(task.AccountID), data, opts...); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// SyncCompletedEvent is published after every finished run
type SyncCompletedEvent struct {
	Type string `json:"type"`
	sync.Result
}

// completedEvent encodes a run outcome with its subject and dedup id
func completedEvent(res sync.Result) (subject, msgID string, data []byte, err error) {
	data, err = json.Marshal(SyncCompletedEvent{Type: "sync.completed", Result: res})
	if err != nil {
		return "", "", nil, err
	}
	msgID = fmt.Sprintf("%s:%d", res.AccountID, res.StartedAt.UnixNano())
	return CompletedSubject(res.UserID), msgID, data, nil
}

// SyncCompleted publishes the outcome of a run directly
func (c *Client) SyncCompleted(ctx context.Context, res sync.Result) error {
	subject, msgID, data, err := completedEvent(res)
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, subject, msgID, data); err != nil {
		return fmt.Errorf("failed to publish sync outcome: %w", err)
	}
	return nil
}

// Publish writes to JetStream with a dedup id
func (c *Client) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

// Close drains the connection so in-flight acks are flushed
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

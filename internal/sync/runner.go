package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/store"
	"github.com/Martian-dev/inbox-ledger/internal/tasks"
)

// State is a step of one pipeline run
type State string

const (
	StateIdle       State = "idle"
	StateLocked     State = "locked"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StatePersisting State = "persisting"
	StateAdvancing  State = "advancing"
	StateReleased   State = "released"
	StateRejected   State = "rejected"
)

// Status is the terminal outcome reported to the caller
type Status string

const (
	StatusDone           Status = "done"
	StatusAlreadySyncing Status = "already_syncing"
	StatusError          Status = "error"
)

// Store is the durable state a run reads and writes
type Store interface {
	AcquireSyncLock(ctx context.Context, accountID, owner string, lease time.Duration) (bool, error)
	RenewSyncLock(ctx context.Context, accountID, owner string, lease time.Duration) error
	ReleaseOwnedSyncLock(ctx context.Context, accountID, owner string) error
	LastSyncedAt(ctx context.Context, accountID string) (*time.Time, error)
	AdvanceCheckpoint(ctx context.Context, accountID string, ts time.Time) error
	UpsertMessages(ctx context.Context, owner domain.Owner, msgs []domain.CanonicalMessage) (int, error)
	SaveTransactions(ctx context.Context, owner domain.Owner, txs []domain.Transaction) (store.TransactionResult, error)
	SaveOrders(ctx context.Context, owner domain.Owner, orders []domain.Order) (store.OrderResult, error)
}

// Extractor turns canonical messages into financial records
type Extractor interface {
	ExtractTransactions(ctx context.Context, msgs []domain.CanonicalMessage) ([]domain.Transaction, error)
	ExtractOrders(ctx context.Context, msgs []domain.CanonicalMessage) ([]domain.Order, error)
}

// Notifier is told about every finished run
type Notifier interface {
	SyncCompleted(ctx context.Context, res Result) error
}

// Config tunes windowing, paging and the lock lease
type Config struct {
	PageSize        int64
	BootstrapWindow time.Duration
	Overlap         time.Duration
	LockLease       time.Duration
}

// Result summarizes one run
type Result struct {
	AccountID        string                  `json:"accountId"`
	UserID           string                  `json:"userId"`
	Status           Status                  `json:"status"`
	Pages            int                     `json:"pages"`
	MessagesFetched  int                     `json:"messagesFetched"`
	MessagesInserted int                     `json:"messagesInserted"`
	Transactions     store.TransactionResult `json:"transactions"`
	Orders           store.OrderResult       `json:"orders"`
	Checkpoint       *time.Time              `json:"checkpoint,omitempty"`
	Error            string                  `json:"error,omitempty"`
	StartedAt        time.Time               `json:"startedAt"`
	Duration         time.Duration           `json:"duration"`
}

// Controller sequences one account's pipeline run
type Controller struct {
	cfg       Config
	store     Store
	sources   SourceFactory
	extractor Extractor
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time

	// OnTransition observes state changes
	OnTransition func(accountID string, s State)
}

// NewController creates a pipeline controller; notifier may be nil
func NewController(cfg Config, st Store, sources SourceFactory, extractor Extractor, notifier Notifier, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     st,
		sources:   sources,
		extractor: extractor,
		notifier:  notifier,
		log:       log.With().Str("component", "controller").Logger(),
		now:       time.Now,
	}
}

// WindowStart returns the lower bound of the provider query.
// A stored checkpoint is pulled back by overlap; message-id dedup absorbs the repeat.
func WindowStart(last *time.Time, now time.Time, overlap, bootstrap time.Duration) time.Time {
	if last == nil {
		return now.Add(-bootstrap).UTC()
	}
	return last.Add(-overlap).UTC()
}

func (c *Controller) enter(log *zerolog.Logger, accountID string, s State) {
	log.Debug().Str("state", string(s)).Msg("state transition")
	if c.OnTransition != nil {
		c.OnTransition(accountID, s)
	}
}

// Run executes one pipeline run for the task's account.
// A held lock yields StatusAlreadySyncing with a nil error. Once the lock is
// taken it is renewed before every page and released on every return path.
func (c *Controller) Run(ctx context.Context, task tasks.SyncAccount) (res Result, err error) {
	owner := uuid.NewString()
	log := c.log.With().Str("account_id", task.AccountID).Str("user_id", task.UserID).Str("lock_owner", owner).Logger()
	res = Result{AccountID: task.AccountID, UserID: task.UserID, StartedAt: c.now().UTC()}
	c.enter(&log, task.AccountID, StateIdle)

	ok, err := c.store.AcquireSyncLock(ctx, task.AccountID, owner, c.cfg.LockLease)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		log.Error().Err(err).Msg("sync lock unavailable")
		return res, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		c.enter(&log, task.AccountID, StateRejected)
		res.Status = StatusAlreadySyncing
		log.Info().Msg("account already syncing")
		return res, nil
	}
	c.enter(&log, task.AccountID, StateLocked)

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		switch rerr := c.store.ReleaseOwnedSyncLock(relCtx, task.AccountID, owner); {
		case errors.Is(rerr, store.ErrLockLost):
			log.Warn().Msg("sync lock was taken over, leaving it to the new holder")
		case rerr != nil:
			log.Error().Err(rerr).Msg("failed to release sync lock")
		}
		c.enter(&log, task.AccountID, StateReleased)

		res.Duration = c.now().Sub(res.StartedAt)
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
			log.Error().Err(err).Int("pages", res.Pages).Msg("sync failed")
		} else {
			res.Status = StatusDone
			log.Info().
				Int("pages", res.Pages).
				Int("messages_fetched", res.MessagesFetched).
				Int("messages_inserted", res.MessagesInserted).
				Int("transactions_inserted", res.Transactions.Inserted).
				Int("orders_inserted", res.Orders.Inserted).
				Int("orders_updated", res.Orders.Updated).
				Dur("duration", res.Duration).
				Msg("sync complete")
		}

		if c.notifier != nil {
			if nerr := c.notifier.SyncCompleted(relCtx, res); nerr != nil {
				log.Warn().Err(nerr).Msg("failed to publish sync outcome")
			}
		}
	}()

	err = c.run(ctx, &log, task, owner, &res)
	return res, err
}

func (c *Controller) run(ctx context.Context, log *zerolog.Logger, task tasks.SyncAccount, lockOwner string, res *Result) error {
	owner := domain.Owner{AccountID: task.AccountID, UserID: task.UserID}

	src, err := c.sources(ctx, task.Provider, task.ProviderToken)
	if err != nil {
		return fmt.Errorf("create mail source: %w", err)
	}

	last, err := c.store.LastSyncedAt(ctx, task.AccountID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	q := Query{
		AccountID: task.AccountID,
		After:     WindowStart(last, c.now(), c.cfg.Overlap, c.cfg.BootstrapWindow),
	}
	log.Info().Time("window_start", q.After).Bool("bootstrap", last == nil).Msg("sync window")

	var (
		maxSeen   time.Time
		processed int
		pageToken string
	)
	for {
		if err := c.store.RenewSyncLock(ctx, task.AccountID, lockOwner, c.cfg.LockLease); err != nil {
			return fmt.Errorf("renew sync lock before page %d: %w", res.Pages+1, err)
		}
		c.enter(log, task.AccountID, StateFetching)
		page, err := src.ListPage(ctx, q, pageToken, c.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++

		msgs := page.Messages
		for i := range msgs {
			msgs[i].AccountID = task.AccountID
		}
		res.MessagesFetched += len(msgs)

		if len(msgs) > 0 {
			if err := c.processPage(ctx, log, owner, msgs, res); err != nil {
				return fmt.Errorf("page %d: %w", res.Pages, err)
			}
			for _, m := range msgs {
				if m.ReceivedAt.After(maxSeen) {
					maxSeen = m.ReceivedAt
				}
			}
			processed += len(msgs)
		}

		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == pageToken {
			return errors.New("provider returned the same page token twice")
		}
		pageToken = page.NextPageToken
	}

	c.enter(log, task.AccountID, StateAdvancing)
	if processed == 0 {
		return nil
	}
	if err := c.store.RenewSyncLock(ctx, task.AccountID, lockOwner, c.cfg.LockLease); err != nil {
		return fmt.Errorf("renew sync lock before checkpoint: %w", err)
	}
	if err := c.store.AdvanceCheckpoint(ctx, task.AccountID, maxSeen); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	cp := maxSeen.UTC()
	res.Checkpoint = &cp
	return nil
}

func (c *Controller) processPage(ctx context.Context, log *zerolog.Logger, owner domain.Owner, msgs []domain.CanonicalMessage, res *Result) error {
	inserted, err := c.store.UpsertMessages(ctx, owner, msgs)
	if err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	res.MessagesInserted += inserted

	c.enter(log, owner.AccountID, StateExtracting)
	txs, err := c.extractor.ExtractTransactions(ctx, msgs)
	if err != nil {
		return fmt.Errorf("extract transactions: %w", err)
	}
	orders, err := c.extractor.ExtractOrders(ctx, msgs)
	if err != nil {
		return fmt.Errorf("extract orders: %w", err)
	}

	c.enter(log, owner.AccountID, StatePersisting)
	for i := range txs {
		txs[i].AccountID = owner.AccountID
		txs[i].UserID = owner.UserID
	}
	tr, err := c.store.SaveTransactions(ctx, owner, txs)
	if err != nil {
		return fmt.Errorf("save transactions: %w", err)
	}
	res.Transactions.Inserted += tr.Inserted
	res.Transactions.Skipped += tr.Skipped
	res.Transactions.Failed += tr.Failed

	for i := range orders {
		orders[i].AccountID = owner.AccountID
	}
	or, err := c.store.SaveOrders(ctx, owner, orders)
	if err != nil {
		return fmt.Errorf("save orders: %w", err)
	}
	res.Orders.Inserted += or.Inserted
	res.Orders.Updated += or.Updated
	res.Orders.ItemsInserted += or.ItemsInserted
	res.Orders.Failed += or.Failed

	log.Debug().
		Int("messages", len(msgs)).
		Int("messages_inserted", inserted).
		Int("transactions", len(txs)).
		Int("orders", len(orders)).
		Msg("page processed")
	return nil
}

package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/tasks"
)

// ErrShuttingDown is returned once the manager stops taking work
var ErrShuttingDown = errors.New("sync manager is shutting down")

// Runner executes a single pipeline run
type Runner interface {
	Run(ctx context.Context, task tasks.SyncAccount) (Result, error)
}

// Manager runs pipeline runs for many accounts concurrently, bounded by a
// semaphore. Accounts already running in this process are rejected before
// the database lock is consulted.
type Manager struct {
	runner  Runner
	slots   chan struct{}
	log     zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running map[string]time.Time
	closed  bool
}

// NewManager creates sync manager
func NewManager(runner Runner, maxConcurrent int, log zerolog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		runner:  runner,
		slots:   make(chan struct{}, maxConcurrent),
		log:     log.With().Str("component", "manager").Logger(),
		running: make(map[string]time.Time),
	}
}

// Run executes a task synchronously, waiting for a free slot
func (m *Manager) Run(ctx context.Context, task tasks.SyncAccount) (Result, error) {
	if !m.claim(task.AccountID) {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return Result{AccountID: task.AccountID, UserID: task.UserID, Status: StatusError}, ErrShuttingDown
		}
		m.log.Info().Str("account_id", task.AccountID).Msg("sync already running in this process")
		return Result{AccountID: task.AccountID, UserID: task.UserID, Status: StatusAlreadySyncing}, nil
	}
	defer m.done(task.AccountID)

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{AccountID: task.AccountID, UserID: task.UserID, Status: StatusError}, ctx.Err()
	}
	defer func() { <-m.slots }()

	return m.runner.Run(ctx, task)
}

// Dispatch runs a task in the background and reports the outcome to done
func (m *Manager) Dispatch(ctx context.Context, task tasks.SyncAccount, done func(Result, error)) {
	go func() {
		res, err := m.Run(ctx, task)
		if done != nil {
			done(res, err)
		}
	}()
}

func (m *Manager) claim(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, exists := m.running[accountID]; exists {
		return false
	}
	m.running[accountID] = time.Now()
	m.wg.Add(1)
	return true
}

func (m *Manager) done(accountID string) {
	m.mu.Lock()
	delete(m.running, accountID)
	m.mu.Unlock()
	m.wg.Done()
}

// IsRunning checks if a run for the account is in flight in this process
func (m *Manager) IsRunning(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.running[accountID]
	return exists
}

// GetRunningSyncs returns the accounts with runs in flight
func (m *Manager) GetRunningSyncs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	syncs := make([]string, 0, len(m.running))
	for id := range m.running {
		syncs = append(syncs, id)
	}
	return syncs
}

// Shutdown stops accepting runs and waits for in-flight ones.
// Runs are never cancelled; ctx only bounds the wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	inflight := len(m.running)
	m.mu.Unlock()

	m.log.Info().Int("in_flight", inflight).Msg("waiting for running syncs")

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package api exposes task intake and account operations over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/store"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
	"github.com/Martian-dev/inbox-ledger/internal/tasks"
)

// Runner executes tasks and reports what is in flight; *sync.Manager satisfies it
type Runner interface {
	Run(ctx context.Context, task tasks.SyncAccount) (sync.Result, error)
	Dispatch(ctx context.Context, task tasks.SyncAccount, done func(sync.Result, error))
	IsRunning(accountID string) bool
	GetRunningSyncs() []string
}

// Accounts is the account state the handlers read and reset
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ReleaseSyncLock(ctx context.Context, accountID string) error
}

// Enqueuer publishes tasks for asynchronous processing
type Enqueuer interface {
	Enqueue(ctx context.Context, task tasks.SyncAccount) error
}

// Deps are the collaborators behind the routes. Queue and Auth are optional.
type Deps struct {
	Runner   Runner
	Accounts Accounts
	Queue    Enqueuer
	Auth     gin.HandlerFunc
}

type handler struct {
	Deps
	log zerolog.Logger
}

// NewRouter builds the gin engine
func NewRouter(deps Deps, log zerolog.Logger) *gin.Engine {
	h := &handler{Deps: deps, log: log.With().Str("component", "api").Logger()}

	r := gin.New()
	r.Use(requestLogger(h.log), gin.CustomRecovery(func(c *gin.Context, err any) {
		h.log.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	if deps.Auth != nil {
		v1.Use(deps.Auth)
	}
	v1.POST("/tasks/sync", h.syncTask)
	v1.GET("/syncs", h.runningSyncs)
	v1.GET("/accounts/:id/sync", h.syncStatus)
	v1.POST("/accounts/:id/sync", h.enqueueAccount)
	v1.POST("/accounts/:id/unlock", h.unlockAccount)

	return r
}

// syncTask runs the posted task to completion, or in the background with ?async=true
func (h *handler) syncTask(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	task, err := tasks.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if c.Query("async") == "true" {
		log := h.log.With().Str("account_id", task.AccountID).Str("request_id", task.RequestID).Logger()
		h.Runner.Dispatch(context.WithoutCancel(c.Request.Context()), task, func(res sync.Result, err error) {
			if err != nil {
				log.Error().Err(err).Msg("background sync failed")
				return
			}
			log.Info().Str("status", string(res.Status)).Msg("background sync finished")
		})
		c.JSON(http.StatusAccepted, gin.H{"accountId": task.AccountID, "requestId": task.RequestID})
		return
	}

	// a client disconnect must not abort the run mid-page
	res, err := h.Runner.Run(context.WithoutCancel(c.Request.Context()), task)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", task.AccountID).Msg("sync task failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": sync.StatusError, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res.Status, "result": res})
}

func (h *handler) runningSyncs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.Runner.GetRunningSyncs()})
}

// syncStatus reports the stored lock and checkpoint plus in-process state
func (h *handler) syncStatus(c *gin.Context) {
	acc, err := h.Accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId":     acc.ID,
		"isSyncing":     acc.IsSyncing,
		"lockExpiresAt": acc.LockExpiresAt,
		"lastSyncedAt":  acc.LastSyncedAt,
		"runningHere":   h.Runner.IsRunning(acc.ID),
	})
}

// enqueueAccount builds a task from the stored account and publishes it
func (h *handler) enqueueAccount(c *gin.Context) {
	if h.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue not configured"})
		return
	}

	acc, err := h.Accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	requestID := c.GetHeader("X-Request-ID")
	if _, err := uuid.Parse(requestID); err != nil {
		requestID = uuid.NewString()
	}
	task := tasks.SyncAccount{
		Version:       tasks.CurrentVersion,
		RequestID:     requestID,
		AccountID:     acc.ID,
		UserID:        acc.UserID,
		MailAddress:   acc.Email,
		Provider:      acc.Provider,
		ProviderToken: acc.RefreshToken,
	}
	if err := h.Queue.Enqueue(c.Request.Context(), task); err != nil {
		if errors.Is(err, tasks.ErrInvalidTask) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.log.Error().Err(err).Str("account_id", acc.ID).Msg("failed to enqueue sync task")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to enqueue sync task"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": requestID})
}

// unlockAccount force-clears a stuck sync flag
func (h *handler) unlockAccount(c *gin.Context) {
	id := c.Param("id")
	err := h.Accounts.ReleaseSyncLock(c.Request.Context(), id)
	if errors.Is(err, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("account_id", id).Msg("failed to unlock account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unlock account"})
		return
	}
	h.log.Warn().Str("account_id", id).Msg("sync lock cleared manually")
	c.Status(http.StatusNoContent)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("HTTP request")
	}
}

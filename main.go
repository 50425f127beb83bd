package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-ledger/internal/api"
	"github.com/Martian-dev/inbox-ledger/internal/archive"
	"github.com/Martian-dev/inbox-ledger/internal/auth"
	"github.com/Martian-dev/inbox-ledger/internal/config"
	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/logger"
	natsjs "github.com/Martian-dev/inbox-ledger/internal/nats"
	"github.com/Martian-dev/inbox-ledger/internal/providers/gmail"
	"github.com/Martian-dev/inbox-ledger/internal/providers/outlook"
	"github.com/Martian-dev/inbox-ledger/internal/store"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./inboxledger.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New(logger.Options{})
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("inbox-ledger stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, err := extract.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return err
	}
	opts := extract.Options{
		Retry: extract.RetryPolicy{
			MaxAttempts: cfg.Extraction.MaxAttempts,
			BackoffBase: cfg.Extraction.BackoffBase,
			BackoffMax:  cfg.Extraction.BackoffMax,
			Timeout:     cfg.Gemini.Timeout,
		},
		MaxBodyChars: cfg.Extraction.MaxBodyChars,
	}
	if cfg.Archive.Bucket != "" {
		gcs, err := archive.NewGCS(ctx, cfg.Archive.Bucket)
		if err != nil {
			return err
		}
		defer gcs.Close()
		opts.Archiver = gcs
	}
	extractor := extract.New(gen, opts, log)

	var (
		notifier sync.Notifier
		queue    api.Enqueuer
		nc       *natsjs.Client
		outbox   *natsjs.Outbox
	)
	if cfg.NATS.URL != "" {
		nc, err = natsjs.Connect(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := nc.EnsureStreams(); err != nil {
			return err
		}
		outbox = natsjs.NewOutbox(st, nc, log)
		notifier, queue = outbox, nc
	}

	controller := sync.NewController(sync.Config{
		PageSize:        cfg.Sync.PageSize,
		BootstrapWindow: cfg.Sync.BootstrapWindow,
		Overlap:         cfg.Sync.Overlap,
		LockLease:       cfg.Sync.LockLease,
	}, st, mailSources(cfg, log), extractor, notifier, log)
	manager := sync.NewManager(controller, cfg.Sync.MaxConcurrent, log)

	deps := api.Deps{Runner: manager, Accounts: st, Queue: queue}
	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.Audience)
		if err != nil {
			return err
		}
		deps.Auth = verifier.Middleware()
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(deps, log),
	}

	errc := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if nc != nil {
		go outbox.Relay(ctx, cfg.NATS.OutboxInterval)
		go func() {
			if err := nc.Consume(ctx, manager, natsjs.ConsumerConfig{
				AckWait:     cfg.NATS.AckWait,
				MaxDeliver:  cfg.NATS.MaxDeliver,
				NakDelay:    cfg.NATS.NakDelay,
				Concurrency: cfg.Sync.MaxConcurrent,
			}); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errc:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Strs("running", manager.GetRunningSyncs()).Msg("syncs still running at exit")
	}
	log.Info().Msg("bye")
	return nil
}

// mailSources picks the provider adapter for a task. Adapters are per run;
// each provider's breaker is shared by all of them.
func mailSources(cfg *config.Config, log zerolog.Logger) sync.SourceFactory {
	gmailCB := gmail.NewBreaker(log)
	graphCB := outlook.NewBreaker(log)
	return func(ctx context.Context, provider domain.Provider, refreshToken string) (sync.MailSource, error) {
		switch provider {
		case domain.ProviderMicrosoft:
			a, err := outlook.New(ctx, outlook.Credentials{
				ClientID:     cfg.Microsoft.ClientID,
				ClientSecret: cfg.Microsoft.ClientSecret,
				Tenant:       cfg.Microsoft.Tenant,
			}, refreshToken, graphCB, log)
			if err != nil {
				return nil, err
			}
			return a, nil
		default:
			a, err := gmail.New(ctx, gmail.Credentials{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
			}, refreshToken, gmailCB, log)
			if err != nil {
				return nil, err
			}
			return a, nil
		}
	}
}

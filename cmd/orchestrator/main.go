// Command orchestrator runs the scrape-job orchestration service: it accepts
// submissions, receives provider webhooks, and sweeps stale jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/api"
	"github.com/gigradar/scrape-orchestrator/internal/clock/system"
	"github.com/gigradar/scrape-orchestrator/internal/config"
	"github.com/gigradar/scrape-orchestrator/internal/logging"
	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/poll"
	"github.com/gigradar/scrape-orchestrator/internal/provider"
	pubmemory "github.com/gigradar/scrape-orchestrator/internal/publisher/memory"
	pubgcp "github.com/gigradar/scrape-orchestrator/internal/publisher/pubsub"
	"github.com/gigradar/scrape-orchestrator/internal/reconcile"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
	"github.com/gigradar/scrape-orchestrator/internal/storage/postgres"
	"github.com/gigradar/scrape-orchestrator/internal/submit"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars otherwise)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	defer store.Close()

	var publisher scrape.Publisher
	if cfg.PubSub.ProjectID != "" {
		gcp, err := pubgcp.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() {
			if err := gcp.Close(); err != nil {
				logger.Warn("close publisher", zap.Error(err))
			}
		}()
		publisher = gcp
		logger.Info("completion events enabled",
			zap.String("project_id", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	} else {
		publisher = pubmemory.New()
		logger.Info("completion events disabled, using in-memory publisher")
	}

	clk := system.New()
	providerClient := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.ProviderTimeout(),
	}, logger.Named("provider"))
	reconciler := reconcile.New(store, clk, publisher, cfg.PubSub.TopicName, logger.Named("reconciler"))
	submitter := submit.New(store, providerClient, reconciler, clk, logger.Named("submitter"))

	poller := poll.New(store, providerClient, reconciler, clk, poll.Config{
		Interval:      cfg.PollInterval(),
		Staleness:     cfg.StalenessThreshold(),
		ExpireCeiling: cfg.ExpireCeiling(),
	}, logger.Named("poller"))
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer poller.Stop()

	server := api.NewServer(store, submitter, reconciler, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

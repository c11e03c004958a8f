package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/config"
	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/database"
	"github.com/vipul43/crmsync/internal/engagement"
	"github.com/vipul43/crmsync/internal/httpapi"
	"github.com/vipul43/crmsync/internal/logging"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/service"
	"github.com/vipul43/crmsync/internal/upsert"
	"github.com/vipul43/crmsync/internal/watcher"
	"github.com/vipul43/crmsync/internal/worker"
	"github.com/vipul43/crmsync/internal/writer"
)

// app holds the wired components shared by every command
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	pool       *worker.Pool
	aggregator *engagement.Aggregator
	orch       *service.SyncOrchestrator
	webhooks   *service.WebhookProcessor
}

func setup() (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("database connected")

	client := crm.NewClient(crm.Options{
		BaseURL:      cfg.CRMBaseURL,
		APIVersion:   cfg.CRMAPIVersion,
		ClientID:     cfg.CRMClientID,
		ClientSecret: cfg.CRMClientSecret,
		Timeout:      cfg.CRMTimeout,
	})
	tokens := service.NewTokenManager(repository.NewAgencyTokenRepository(db), client, cfg.CRMAppID)

	w := writer.New(db, writer.Options{MaxAttempts: cfg.MaxRetries})
	engine := upsert.NewEngine(db, w)
	aggregator := engagement.NewAggregator(db, w)
	pool := worker.NewPool(cfg.WorkerConcurrency)

	orch := service.NewSyncOrchestrator(db, tokens, engine, aggregator, pool, service.OrchestratorConfig{
		PageSize:   cfg.PageSize,
		MaxPages:   cfg.MaxPages,
		RunTimeout: cfg.RunTimeout,
	})

	return &app{
		cfg:        cfg,
		db:         db,
		pool:       pool,
		aggregator: aggregator,
		orch:       orch,
		webhooks:   service.NewWebhookProcessor(db, engine, orch, true),
	}, nil
}

func (a *app) close() {
	database.Close(a.db)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	log.Info().Msg("running database migrations")
	if err := database.RunMigrations(a.db); err != nil {
		return err
	}
	log.Info().Msg("migrations completed")
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := a.orch.SyncLocation(ctx, args[0], service.SyncOptions{
		Mode:            models.SyncModeForeground,
		CompanyID:       syncCompany,
		Full:            syncFull,
		FullMessageSync: syncFullMessages,
	})
	if result != nil {
		out, merr := json.MarshalIndent(result, "", "  ")
		if merr == nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		}
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	// Run migrations
	log.Info().Msg("running database migrations")
	if err := database.RunMigrations(a.db); err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	handler := httpapi.NewHandler(
		a.webhooks,
		a.orch,
		repository.NewContactRepository(a.db),
		a.aggregator,
		func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	)
	srv := &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: httpapi.NewRouter(handler),
	}

	w := watcher.New(a.cfg,
		repository.NewSyncStatusRepository(a.db),
		repository.NewWebhookEventRepository(a.db),
		repository.NewLocationRepository(a.db),
		a.webhooks,
		a.orch,
	)

	errChan := make(chan error, 2)
	go func() {
		log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("watcher: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	// Background runs get the rest of the shutdown budget
	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown timeout exceeded, background syncs cancelled")
	}

	log.Info().Msg("application stopped")
	return runErr
}

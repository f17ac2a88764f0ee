/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the gig rewards ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize the logger
  3. Open the store selected by DB_DRIVER
  4. Build the ledger engine and domain services
  5. Start maintenance jobs (optional)
  6. Configure HTTP router and serve

COMMAND-LINE FLAGS:
  -port       HTTP server port (overrides PORT)
  -db-driver  sqlite | postgres | memory (overrides DB_DRIVER)
  -db         sqlite path or postgres URL (overrides DATABASE_URL)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for running jobs
  4. Close the store

EXAMPLES:
  # Local development with a file database
  JWT_SECRET=dev ./server -db=./data/gigledger.db

  # Postgres
  JWT_SECRET=... ./server -db-driver=postgres -db=postgres://localhost/gigledger

  # Throwaway in-memory store
  JWT_SECRET=dev ./server -db-driver=memory

SEE ALSO:
  - config/config.go: all settings
  - api/server.go: Router configuration
  - api/scheduler.go: maintenance jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/gig-ledger/api"
	"github.com/warp/gig-ledger/blob"
	"github.com/warp/gig-ledger/config"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/ledger/memory"
	"github.com/warp/gig-ledger/logging"
	"github.com/warp/gig-ledger/store/postgres"
	"github.com/warp/gig-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("store ready", "driver", cfg.DBDriver)

	engine := ledger.NewEngine(store)
	engine.Logger = logger

	var presigner blob.Presigner
	if cfg.Blob.Enabled() {
		p, err := blob.NewS3Presigner(ctx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("failed to initialize uploads: %w", err)
		}
		presigner = p
		logger.Info("uploads enabled", "bucket", cfg.Blob.Bucket)
	} else {
		logger.Warn("uploads disabled: R2 credentials not set")
	}

	handler := api.NewHandler(engine, cfg.PayoutLocation, presigner)

	if cfg.Scheduler {
		scheduler := api.NewMaintenanceScheduler(handler)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer func() {
			if err := scheduler.Stop(); err != nil {
				logger.Error("scheduler shutdown failed", "error", err)
			}
		}()
	}

	router := api.NewRouter(handler, api.RouterConfig{
		Auth:           api.NewAuthenticator(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "payout_tz", cfg.PayoutLocation.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DatabaseURL)
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return sqlite.New(cfg.DatabaseURL)
	}
}

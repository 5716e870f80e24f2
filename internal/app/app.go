package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/audiences/internal/api"
	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/db"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/repository"
	"github.com/foxzi/audiences/internal/schedule"
	"github.com/foxzi/audiences/internal/staging"
	"github.com/foxzi/audiences/internal/worker"
)

// Stores are the two persistent stores every command needs
type Stores struct {
	DB      *db.DB
	Uploads *staging.Store
}

// OpenStores opens and migrates the database and opens the staging store
func OpenStores(cfg *config.Config) (*Stores, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	uploads, err := staging.Open(cfg.Staging.Path)
	if err != nil {
		database.Close()
		return nil, err
	}
	return &Stores{DB: database, Uploads: uploads}, nil
}

// Close closes both stores
func (s *Stores) Close() error {
	uerr := s.Uploads.Close()
	if err := s.DB.Close(); err != nil {
		return err
	}
	return uerr
}

// App is the audiences service: API server, import worker and cleanup
// scheduler over one set of stores
type App struct {
	config    *config.Config
	stores    *Stores
	apiServer *api.Server
	worker    *worker.Worker
	scheduler *schedule.CronScheduler
	cleanup   string
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	stores, err := OpenStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open stores: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	w := worker.New(stores.DB.DB, stores.Uploads, logger, worker.Config{
		PollInterval: cfg.Import.PollInterval,
		Concurrency:  cfg.Import.Concurrency,
		YieldEvery:   cfg.Import.YieldEvery,
	})

	scheduler := schedule.NewCronScheduler(logger)
	cleanup := schedule.NewImportCleanupJob(
		repository.NewImportJobRepository(stores.DB.DB),
		stores.Uploads,
		cfg.Import.Retention,
		logger,
	)
	if err := scheduler.AddJob(cleanup, cfg.Cleanup.Schedule); err != nil {
		stores.Close()
		return nil, err
	}

	return &App{
		config:    cfg,
		stores:    stores,
		apiServer: api.NewServer(cfg, stores.DB.DB, stores.Uploads, m, logger),
		worker:    w,
		scheduler: scheduler,
		cleanup:   cleanup.Name(),
		logger:    logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting audiences",
		"version", api.Version,
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Path,
		"metrics", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.worker.Start()
	a.scheduler.Start(ctx)
	a.logger.Info("cleanup scheduled", "schedule", a.config.Cleanup.Schedule, "next", a.scheduler.Next(a.cleanup))

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// running imports are left for the next start
	a.worker.Stop()
	a.scheduler.Stop()

	if err := a.stores.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/remedyops/conductor/internal/api"
	"github.com/remedyops/conductor/internal/approval"
	"github.com/remedyops/conductor/internal/collab"
	"github.com/remedyops/conductor/internal/config"
	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/engine"
	"github.com/remedyops/conductor/internal/events"
	"github.com/remedyops/conductor/internal/notify"
	"github.com/remedyops/conductor/internal/pipelines"
	"github.com/remedyops/conductor/internal/server"
	"github.com/remedyops/conductor/internal/stages"
	"github.com/remedyops/conductor/internal/storage/memory"
	"github.com/remedyops/conductor/internal/storage/sqldb"
	"github.com/remedyops/conductor/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("conductor", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	model, err := collab.NewModelClient(collab.ModelConfig{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Model,
		Timeout: config.Duration(cfg.Model.Timeout, 60*time.Second),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create model client: %v", err)
	}

	var notifier ports.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Timeout: config.Duration(cfg.Notify.Timeout, 10*time.Second),
			Retries: cfg.Notify.Retries,
			Headers: cfg.Notify.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create notifier: %v", err)
		}
	}

	var ticketer stages.Ticketer
	if cfg.Ticketing.BaseURL != "" {
		ticketer, err = collab.NewTicketClient(collab.TicketConfig{
			BaseURL: cfg.Ticketing.BaseURL,
			Token:   cfg.Ticketing.Token,
			Timeout: config.Duration(cfg.Ticketing.Timeout, 10*time.Second),
		})
		if err != nil {
			log.Fatalf("Failed to create ticketing client: %v", err)
		}
	}

	runner := &stages.DryRunRunner{Logger: logger}
	publisher := &stages.FilePublisher{Dir: cfg.Pipelines.Diagram.OutputDir}

	gate := approval.NewGate(store, notifier, logger, approval.GateConfig{
		TTL:             config.Duration(cfg.Approval.TTL, 24*time.Hour),
		Recipients:      cfg.Approval.Recipients,
		DecisionBaseURL: cfg.Approval.DecisionBaseURL,
	})

	eng, err := engine.New(engine.Config{
		Store:        store,
		Approvals:    gate,
		Publisher:    events.Fanout{events.NewStorePublisher(store), events.NewLogPublisher(logger)},
		Logger:       logger,
		StageTimeout: config.Duration(cfg.Engine.StageTimeout, 60*time.Second),
		Retries:      cfg.Engine.Retries,
		RetryBackoff: config.Duration(cfg.Engine.RetryBackoff, 500*time.Millisecond),
	},
		pipelines.Incident(model, runner, ticketer, pipelines.IncidentConfig{
			MinConfidence: cfg.Pipelines.Incident.MinConfidence,
		}),
		pipelines.Diagram(model, publisher),
	)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	resumer := approval.NewResumer(gate, eng, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := approval.NewSweeper(store, gate, eng, logger,
		config.Duration(cfg.Approval.SweepInterval, time.Minute))
	go sweeper.Run(ctx)

	srv := server.New(cfg.Server.Port, config.Duration(cfg.Server.RequestTimeout, 30*time.Second), logger)
	api.NewHandler(eng, store, resumer, logger).Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("conductor started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("model", cfg.Model.Model))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("conductor shutdown complete")
}

func openStore(cfg *config.Config) (ports.Store, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		path := cfg.Storage.SQLite.Path
		if path == "" {
			path = "./data/conductor.db"
		}
		return sqldb.NewSQLite(path)
	case "postgres":
		driver := cfg.Storage.Database.Driver
		if driver == "" {
			driver = cfg.Storage.Type
		}
		return sqldb.New(sqldb.Config{
			Driver: driver,
			DSN:    cfg.Storage.Database.DSN,
		})
	default:
		return memory.New(), nil
	}
}

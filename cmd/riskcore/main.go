// Package main is the entry point for the riskcore worker.
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

	"github.com/robfig/cron/v3"

	"github.com/pensionrisk/riskcore/internal/alert"
	"github.com/pensionrisk/riskcore/internal/app"
	"github.com/pensionrisk/riskcore/internal/events"
	"github.com/pensionrisk/riskcore/internal/ops"
	"github.com/pensionrisk/riskcore/internal/repository/postgres"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/database"
	"github.com/pensionrisk/riskcore/pkg/kafka"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log = log.WithService("riskcore")
	logger.SetDefault(log)

	log.Info("starting riskcore",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	tp, err := telemetry.NewProvider(cfg.Telemetry, telemetry.Resource{
		ServiceName:    "riskcore",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down tracer provider", "error", err)
		}
	}()

	// Connect to database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database")

	store := postgres.New(db.SQL())

	checks := map[string]ops.CheckFunc{"database": db.Health}

	// Create Kafka producer
	var producer *kafka.Producer
	var publisher alert.Publisher
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		defer producer.Close()
		publisher = producer
		checks["kafka"] = func(ctx context.Context) error {
			return kafka.Health(ctx, cfg.Kafka.Brokers)
		}
		log.Info("connected to Kafka producer")
	}

	core, err := app.New(cfg, app.Options{
		Store:     store,
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to build scoring core: %w", err)
	}
	log.Info("scoring policy loaded", "policy", core.Policy.String())

	// Start Kafka consumer for measurement and mapping events
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		defer consumer.Close()

		handler := events.NewHandler(core.Tracker, core.RiskScore, cfg.Kafka, log)
		go func() {
			defer close(consumerDone)
			topics := handler.Topics()
			log.Info("starting Kafka consumer", "topics", topics)

			if err := consumer.Subscribe(ctx, topics, handler.Handle); err != nil && ctx.Err() == nil {
				log.Error("Kafka consumer error", "error", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	// Start KRI monitor
	if cfg.Monitor.Enabled {
		core.Monitor.Start()
	}

	// Create and start scheduler for periodic recalculation
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.RiskScore.BatchSchedule, func() {
		runBatch(batchCtx, core.RiskScore, log)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule batch recalculation: %w", err)
	}
	scheduler.Start()
	log.Info("scheduler started", "schedule", cfg.RiskScore.BatchSchedule)

	// Start ops server
	handler := ops.New(ops.Config{
		Checks:   checks,
		State:    core.State,
		Breakers: core.Breakers,
		Summary:  core.Monitor,
		BuildInfo: ops.BuildInfo{
			Version:   version,
			BuildTime: buildTime,
			GitCommit: gitCommit,
		},
		Env:    cfg.Env,
		Logger: log,
	})
	server := &http.Server{
		Addr:              cfg.Ops.Address(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("ops server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		log.Error("ops server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown failed", "error", err)
	}

	if !stopScheduler(shutdownCtx, scheduler, cancelBatch) {
		log.Warn("batch recalculation still running at shutdown")
	}

	core.Monitor.Stop()

	cancel()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn("Kafka consumer did not stop in time")
	}

	log.Info("riskcore shutdown complete")
	return nil
}

// stopScheduler stops new batch runs, cancels a running one and waits for it
// to return. It reports false if ctx expired first.
func stopScheduler(ctx context.Context, scheduler *cron.Cron, cancelBatch context.CancelFunc) bool {
	stopped := scheduler.Stop()
	cancelBatch()
	select {
	case <-stopped.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func runBatch(ctx context.Context, svc *riskscore.Service, log *logger.Logger) {
	items, err := svc.RecalculateAllRisks(ctx)
	if err != nil {
		log.Error("batch recalculation failed", "error", err)
		return
	}
	for _, it := range riskscore.Failed(items) {
		log.WithRisk(it.RiskID).Warn("risk recalculation failed", "error", it.Error)
	}
}

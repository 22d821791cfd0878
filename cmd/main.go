package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vtonflow/internal/client"
	"vtonflow/internal/events"
	"vtonflow/internal/logger"
	"vtonflow/internal/models"
	"vtonflow/internal/server"
	"vtonflow/internal/storage"
	"vtonflow/internal/workflow"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := models.LoadDotEnv(); err != nil {
		log.Fatalf("failed to read .env: %v", err)
	}

	path := os.Getenv("VTONFLOW_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := models.LoadConfig(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := client.NewFromConfig(cfg)

	deps := workflow.Deps{Backend: backend, Log: zlog}

	var db *storage.Storage
	if cfg.DatabaseURL != "" {
		db, err = storage.NewStorage(ctx, cfg.DatabaseURL, zlog)
		if err != nil {
			zlog.Fatal("Failed to init upload ledger", zap.Error(err))
		}
		defer db.Close()
		deps.Ledger = db
	} else {
		zlog.Info("No database_url set, upload ledger disabled")
	}

	var pub events.Publisher = events.NopPublisher{}
	if cfg.KafkaBroker != "" {
		pub = events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		zlog.Info("Publishing workflow events", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}
	defer pub.Close()
	deps.Publisher = pub

	engine := workflow.NewEngine(deps)
	poller := workflow.NewPoller(engine, &workflow.TickerScheduler{}, cfg.PollInterval, zlog)

	sdeps := server.Deps{Workflow: engine, Directory: backend, Poller: poller, Log: zlog}
	if db != nil {
		sdeps.History = db
	}
	srv := server.NewServer(cfg, sdeps)
	srv.BeginSession()

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
		zlog.Info("Shutting down")
	case err := <-errc:
		if err != nil {
			zlog.Error("Server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed", zap.Error(err))
	}
}

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/robertarktes/event-reservations/internal/app"
	"github.com/robertarktes/event-reservations/internal/config"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend == config.BackendMemory {
		log.Fatalf("reconcile worker cannot inspect another process's memory store")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "evr-reconcile-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithOutput(nil, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		// Open returns what it managed to connect; log.Fatalf skips defers.
		backend.Close()
		log.Fatalf("failed to open %s backend: %v", cfg.StoreBackend, err)
	}
	defer backend.Close()

	go observability.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	reconcile.NewWorker(backend.Store, logger, cfg.ReconcileInterval).Run(ctx)
	logger.Info("Shutdown reconcile worker")
}

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/event-reservations/internal/adapters/crdb"
	"github.com/robertarktes/event-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/event-reservations/internal/config"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend != config.BackendCRDB {
		log.Fatalf("outbox publisher needs the crdb backend, got %q", cfg.StoreBackend)
	}
	if cfg.RabbitURL == "" {
		log.Fatalf("RABBIT_URL is required")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "evr-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithOutput(nil, cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go observability.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	outbox.NewPublisher(repo, rabbitPub, logger, cfg.OutboxInterval, cfg.OutboxBatch).Run(ctx)
	logger.Info("Shutdown outbox publisher")
}

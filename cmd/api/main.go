package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	redisclient "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/event-reservations/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/event-reservations/internal/adapters/redis"
	"github.com/robertarktes/event-reservations/internal/app"
	"github.com/robertarktes/event-reservations/internal/config"
	httphandler "github.com/robertarktes/event-reservations/internal/http"
	"github.com/robertarktes/event-reservations/internal/idempotency"
	"github.com/robertarktes/event-reservations/internal/identity"
	"github.com/robertarktes/event-reservations/internal/notify"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/rateLimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "evr-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

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

	checks := map[string]httphandler.Checker{"store": backend.Store}

	var (
		idempBackend idempotency.Backend = idempotency.NewLocalBackend()
		rl           *rateLimit.RateLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		checks["redis"] = cache
		idempBackend = redisadapter.NewIdempotency(redisClient)
		rl = rateLimit.NewRateLimiter(cache, logger)
	} else {
		logger.Warn("REDIS_ADDR not set; idempotency is per instance and rate limiting is off")
	}
	idemp := idempotency.NewIdempotency(idempBackend, cfg.IdempotencyTTL)

	hub := notify.NewHub()
	coordinator := app.NewCoordinator(cfg, backend, hub, logger)

	handlers := httphandler.NewHandlers(coordinator, idemp, logger, checks)
	r := httphandler.SetupRouter(handlers, httphandler.RouterDeps{
		Logger:      logger,
		Verifier:    identity.NewVerifier(cfg.JWTSecret),
		RateLimiter: rl,
		Limits: httphandler.RateLimits{
			PerUser: cfg.RateLimitPerUser,
			PerIP:   cfg.RateLimitPerIP,
			Period:  time.Minute,
		},
	})

	// No WriteTimeout: occupancy streams stay open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.RabbitURL != "" && backend.CRDB != nil {
		// Updates committed on other instances reach this hub through the
		// outbox relay.
		g.Go(func() error {
			return rabbit.RunOccupancyRelay(gctx, cfg.RabbitURL, logger, hub.Publish)
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		return
	}
	logger.Info("Server exiting")
}

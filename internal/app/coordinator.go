package app

import (
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/config"
	"github.com/robertarktes/event-reservations/internal/observability"
)

func RetryPolicy(cfg config.BookingConfig) booking.RetryPolicy {
	return booking.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		Timeout:        cfg.Timeout,
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
	}
}

// NewCoordinator builds the booking coordinator over the opened backend.
func NewCoordinator(cfg *config.Config, b *Backend, notifier booking.Notifier, logger observability.Logger) *booking.Coordinator {
	return booking.NewCoordinator(b.Store, notifier,
		booking.WithRetryPolicy(RetryPolicy(cfg.Booking)),
		booking.WithLogger(logger),
		booking.WithAudit(b.AuditSink()),
	)
}

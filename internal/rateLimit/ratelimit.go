package rateLimit

import (
	"context"
	"time"

	"github.com/robertarktes/event-reservations/internal/observability"
)

// Counter counts hits per key in a fixed window.
type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow reports whether key may make another request. When the counter is
// unreachable the request is let through and the failure logged.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	if rl == nil || rl.counter == nil || rate <= 0 {
		return true
	}
	n, err := rl.counter.IncrWindow(ctx, key, period)
	if err != nil {
		rl.logger.WithError(err).WithField("key", key).Warn("rate limit counter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}

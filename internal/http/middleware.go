package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/event-reservations/internal/identity"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type loggerKey struct{}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := context.WithValue(r.Context(), loggerKey{}, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFrom returns the request-scoped logger, or fallback outside a request.
func LoggerFrom(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l, ok := ctx.Value(loggerKey{}).(observability.Logger); ok {
		return l
	}
	return fallback
}

func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetricsMiddleware counts requests by route pattern so path parameters do
// not explode label cardinality.
func MetricsMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
			LoggerFrom(r.Context(), logger).
				WithField("method", r.Method).
				WithField("route", route).
				WithField("status", status).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Debug("request served")
		})
	}
}

// AuthMiddleware requires a valid bearer token and stores the principal in
// the request context.
func AuthMiddleware(v *identity.Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.FromHeader(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
				return
			}
			ctx := identity.WithPrincipal(r.Context(), p)
			if l, ok := ctx.Value(loggerKey{}).(observability.Logger); ok {
				ctx = context.WithValue(ctx, loggerKey{}, l.WithField("user_id", p.UserID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := identity.FromContext(r.Context())
		if !ok || !p.Admin() {
			writeError(w, http.StatusForbidden, codeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

const maxIdempotencyKeyLen = 128

// RequireIdempotencyKey rejects writes without a usable Idempotency-Key.
func RequireIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, codeIdempotencyRequired, "Idempotency-Key header required")
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, codeIdempotencyRequired, "Idempotency-Key too long")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type RateLimits struct {
	PerUser int
	PerIP   int
	Period  time.Duration
}

// RateLimitMiddleware applies the per-IP and, once authenticated, per-user
// budgets.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, limits RateLimits) func(next http.Handler) http.Handler {
	if limits.Period <= 0 {
		limits.Period = time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			allowed := rl.Allow(ctx, "ip:"+clientIP(r), limits.PerIP, limits.Period)
			if p, ok := identity.FromContext(ctx); ok && allowed {
				allowed = rl.Allow(ctx, "user:"+p.UserID, limits.PerUser, limits.Period)
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(limits.Period.Seconds())))
				writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

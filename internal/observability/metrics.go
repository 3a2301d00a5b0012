package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evr_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evr_bookings_total",
			Help: "Booking requests by outcome",
		},
		[]string{"outcome"},
	)

	BookingAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evr_booking_attempts",
			Help:    "Attempts needed per booking request",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	OccupancyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evr_occupancy_conflicts_total",
			Help: "Compare-and-increment attempts that lost a race",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evr_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evr_outbox_lag_seconds",
			Help: "Age of the oldest outbox record relayed in the last batch",
		},
	)

	OutboxPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evr_outbox_publish_failures_total",
			Help: "Outbox records that failed to publish",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evr_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evr_occupancy_subscribers",
			Help: "Open occupancy subscriptions on this instance",
		},
	)

	OccupancyDrift = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evr_occupancy_drift_events",
			Help: "Events whose occupancy does not match their active reservations",
		},
	)
)

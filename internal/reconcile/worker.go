// Package reconcile reports events whose occupancy no longer matches the
// number of ACTIVE reservations. It only reports; it never corrects.
package reconcile

import (
	"context"
	"time"

	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
)

type Source interface {
	Drift(ctx context.Context) ([]domain.Drift, error)
}

type Worker struct {
	source   Source
	logger   observability.Logger
	interval time.Duration
}

func NewWorker(source Source, logger observability.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{source: source, logger: logger, interval: interval}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.WithField("interval", w.interval.String()).Info("reconcile worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single comparison and updates the drift gauge.
func (w *Worker) RunOnce(ctx context.Context) ([]domain.Drift, error) {
	drift, err := w.source.Drift(ctx)
	if err != nil {
		return nil, err
	}
	observability.OccupancyDrift.Set(float64(len(drift)))
	for _, d := range drift {
		w.logger.
			WithField("event_id", d.EventID.String()).
			WithField("occupancy", d.Occupancy).
			WithField("active", d.Active).
			Error("occupancy drift detected")
	}
	return drift, nil
}

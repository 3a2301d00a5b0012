// Package outbox relays transactional outbox records to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/robertarktes/event-reservations/internal/observability"
)

// Source hands out a batch of unpublished records and marks the ones
// publish accepted.
type Source interface {
	RelayOutbox(ctx context.Context, limit int, publish func(context.Context, Record) error) (BatchResult, error)
}

type Sink interface {
	Publish(ctx context.Context, rec Record) error
}

type Publisher struct {
	source   Source
	sink     Sink
	logger   observability.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{
		source:   source,
		sink:     sink,
		logger:   logger,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Run relays until ctx is done. A full batch is followed immediately by
// another pass instead of waiting for the next tick.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.WithField("interval", p.interval.String()).Info("outbox publisher started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
		}
		for {
			result, err := p.RelayOnce(ctx)
			if err != nil || result.Relayed < p.batch || ctx.Err() != nil {
				break
			}
		}
	}
}

func (p *Publisher) RelayOnce(ctx context.Context) (BatchResult, error) {
	result, err := p.source.RelayOutbox(ctx, p.batch, p.sink.Publish)
	if err != nil {
		p.logger.WithError(err).Error("outbox relay failed")
		return result, err
	}
	if result.Failed > 0 {
		observability.OutboxPublishFailures.Add(float64(result.Failed))
		p.logger.WithField("failed", result.Failed).Warn("outbox records not published, will retry")
	}
	if result.Oldest.IsZero() {
		observability.OutboxLag.Set(0)
	} else {
		observability.OutboxLag.Set(p.now().Sub(result.Oldest).Seconds())
	}
	if result.Relayed > 0 {
		p.logger.WithField("relayed", result.Relayed).Debug("outbox batch relayed")
	}
	return result, nil
}

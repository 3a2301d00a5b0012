package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/outbox"
)

// OccupancyHandler receives each decoded occupancy update.
type OccupancyHandler func(ctx context.Context, occ domain.Occupancy) error

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// NewConsumer binds a server-named exclusive queue to occupancy.changed.
// Every instance gets its own copy of each update; the queue goes away with
// the connection.
func NewConsumer(conn *amqp.Connection) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(q.Name, outbox.EventOccupancyChanged, Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "bind queue")
	}
	if err := ch.Qos(50, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: q.Name}, nil
}

// Consume delivers updates to handle until ctx is done or the channel
// closes. Messages that cannot be decoded are rejected without requeue;
// handler failures are requeued once.
func (c *Consumer) Consume(ctx context.Context, logger observability.Logger, handle OccupancyHandler) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, true, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	defer c.ch.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			occ, err := DecodeOccupancy(d.Body)
			if err != nil {
				logger.WithError(err).WithField("message_id", d.MessageId).Warn("dropping malformed occupancy message")
				_ = d.Nack(false, false)
				continue
			}
			if err := handle(ctx, occ); err != nil {
				logger.WithError(err).WithField("message_id", d.MessageId).Warn("occupancy handler failed")
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func DecodeOccupancy(body []byte) (domain.Occupancy, error) {
	var occ domain.Occupancy
	if err := json.Unmarshal(body, &occ); err != nil {
		return domain.Occupancy{}, errors.Wrap(err, "decode occupancy")
	}
	if occ.EventID == uuid.Nil {
		return domain.Occupancy{}, errors.New("decode occupancy: missing event_id")
	}
	return occ, nil
}

// RunOccupancyRelay dials url, consumes occupancy updates into handle and
// reconnects with exponential backoff when the broker goes away. It returns
// when ctx is done.
func RunOccupancyRelay(ctx context.Context, url string, logger observability.Logger, handle OccupancyHandler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			return errors.Wrap(err, "dial broker")
		}
		defer conn.Close()

		consumer, err := NewConsumer(conn)
		if err != nil {
			return err
		}
		logger.WithField("queue", consumer.queue).Info("occupancy relay connected")
		b.Reset()
		return consumer.Consume(ctx, logger, handle)
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("occupancy relay disconnected")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

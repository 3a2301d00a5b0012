// Package rabbit carries outbox records between instances over a RabbitMQ
// topic exchange.
package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/event-reservations/internal/outbox"
)

const Exchange = "evr.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	return errors.Wrap(err, "declare exchange")
}

// Publish sends rec with its event type as routing key and its dedupe key as
// message id, so consumers can drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, rec outbox.Record) error {
	err := p.ch.PublishWithContext(ctx, Exchange, rec.EventType, false, false, publishing(rec))
	return errors.Wrapf(err, "publish %s", rec.DedupeKey)
}

func publishing(rec outbox.Record) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    rec.DedupeKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.CreatedAt,
		Type:         rec.EventType,
		Body:         rec.Payload,
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Package booking coordinates the check-and-reserve protocol: snapshot,
// admission, one unit of work that inserts the reservation and
// compare-and-increments occupancy, and bounded retry when that write loses
// a race.
package booking

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/admission"
	"github.com/robertarktes/event-reservations/internal/clock"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// errReplayed aborts the unit of work when the insert collided with a
// reservation committed under the same idempotency key.
var errReplayed = errors.New("reservation already committed under this key")

// ErrStreamingUnavailable is returned by SubscribeOccupancy when the
// coordinator was built without a Notifier.
var ErrStreamingUnavailable = errors.New("occupancy streaming is not configured")

type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		AttemptTimeout: 2 * time.Second,
		Timeout:        10 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}
}

type Coordinator struct {
	store    Store
	notifier Notifier
	audit    AuditSink
	clock    clock.Clock
	logger   observability.Logger
	tracer   trace.Tracer
	retry    RetryPolicy
}

type Option func(*Coordinator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

func WithLogger(l observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithAudit(a AuditSink) Option {
	return func(c *Coordinator) {
		c.audit = a
	}
}

func NewCoordinator(store Store, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		notifier: notifier,
		clock:    clock.NewSystem(),
		logger:   observability.NewNopLogger(),
		tracer:   otel.Tracer("booking"),
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type BookRequest struct {
	EventID        uuid.UUID
	UserID         string
	IdempotencyKey string
}

// Book reserves one slot of the event for the user. Policy rejections come
// back as domain rejection errors; exhausted contention as
// domain.ErrRetryExhausted. Repeating a call with the same key after it
// committed returns the original reservation with Replayed set.
func (c *Coordinator) Book(ctx context.Context, req BookRequest) (domain.Booking, error) {
	if req.UserID == "" {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "user id required")
	}
	if req.IdempotencyKey == "" {
		return domain.Booking{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, span := c.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("event.id", req.EventID.String()),
	))
	defer span.End()

	if c.retry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.Timeout)
		defer cancel()
	}

	var (
		result   domain.Booking
		attempts int
	)
	op := func() error {
		attempts++
		actx, cancel := c.attemptContext(ctx)
		defer cancel()

		b, err := c.attempt(actx, req)
		switch {
		case err == nil:
			result = b
			return nil
		case errors.Is(err, domain.ErrConflict):
			observability.OccupancyConflicts.Inc()
			return err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WithField("event_id", req.EventID).WithField("attempt", attempts).WithField("wait", wait.String()).
			Debug("booking attempt lost a race, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	observability.BookingAttempts.Observe(float64(attempts))
	span.SetAttributes(attribute.Int("booking.attempts", attempts))
	if err != nil {
		err = classify(err, attempts)
		observability.BookingsTotal.WithLabelValues(outcomeOf(domain.Booking{}, err)).Inc()
		span.RecordError(err)
		return domain.Booking{}, err
	}

	observability.BookingsTotal.WithLabelValues(outcomeOf(result, nil)).Inc()
	span.SetAttributes(attribute.Bool("booking.replayed", result.Replayed))
	if !result.Replayed {
		c.publish(ctx, result.Occupancy)
		c.record(ctx, AuditEntry{
			Action:  AuditBooked,
			EventID: req.EventID,
			UserID:  req.UserID,
			At:      result.Reservation.CreatedAt,
			Data: map[string]interface{}{
				"reservation_id":  result.Reservation.ID.String(),
				"idempotency_key": req.IdempotencyKey,
				"occupancy":       result.Occupancy.Occupancy,
			},
		})
	}
	return result, nil
}

func (c *Coordinator) attempt(ctx context.Context, req BookRequest) (domain.Booking, error) {
	event, err := c.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return domain.Booking{}, err
	}
	existing, err := c.store.GetActiveReservation(ctx, req.EventID, req.UserID)
	if err != nil {
		return domain.Booking{}, err
	}
	if existing != nil && existing.IdempotencyKey == req.IdempotencyKey {
		return domain.Booking{Reservation: *existing, Occupancy: event.Snapshot(), Replayed: true}, nil
	}

	now := c.clock.Now()
	if d := admission.Decide(event, existing, now); !d.Accepted() {
		return domain.Booking{}, d.Err()
	}

	reservation := domain.NewReservation(req.EventID, req.UserID, req.IdempotencyKey, now)
	var booking domain.Booking
	err = c.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := c.store.InsertReservation(txCtx, reservation)
		if err != nil {
			return err
		}
		if !res.Inserted {
			if res.Existing.IdempotencyKey == req.IdempotencyKey {
				booking = domain.Booking{Reservation: res.Existing, Occupancy: event.Snapshot(), Replayed: true}
				return errReplayed
			}
			return domain.ErrAlreadyBooked
		}

		updated, err := c.store.CompareAndIncrementOccupancy(txCtx, req.EventID, event.Occupancy)
		if err != nil {
			return err
		}
		booking = domain.Booking{Reservation: reservation, Occupancy: updated.Snapshot()}
		return nil
	})
	if errors.Is(err, errReplayed) {
		return booking, nil
	}
	if err != nil {
		return domain.Booking{}, err
	}
	return booking, nil
}

func (c *Coordinator) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.retry.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.retry.AttemptTimeout)
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialBackoff
	b.MaxInterval = c.retry.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.retry.MaxAttempts-1))
}

// classify turns what the retry loop gave up on into the caller-facing
// taxonomy: rejections and service errors pass through, contention and
// deadline exhaustion become ErrRetryExhausted.
func classify(err error, attempts int) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "booking not settled after %d attempts", attempts), domain.ErrRetryExhausted)
	}
	return err
}

func outcomeOf(b domain.Booking, err error) string {
	switch {
	case err == nil && b.Replayed:
		return "replayed"
	case err == nil:
		return "booked"
	case errors.Is(err, domain.ErrRetryExhausted):
		return "retry_exhausted"
	case domain.IsRejection(err):
		return "rejected_" + string(admission.ReasonOf(err))
	default:
		return "error"
	}
}

func (c *Coordinator) CreateEvent(ctx context.Context, in domain.NewEventInput) (domain.Event, error) {
	event, err := domain.NewEvent(in, c.clock.Now())
	if err != nil {
		return domain.Event{}, err
	}
	if err := c.store.CreateEvent(ctx, event); err != nil {
		return domain.Event{}, errors.Wrap(err, "create event")
	}
	c.record(ctx, AuditEntry{
		Action:  AuditEventCreated,
		EventID: event.ID,
		At:      event.CreatedAt,
		Data: map[string]interface{}{
			"title":        event.Title,
			"capacity":     event.Capacity,
			"scheduled_at": event.ScheduledAt.Format(time.RFC3339),
		},
	})
	return event, nil
}

// UpdateEvent changes the details of an event that is not cancelled.
// Capacity is fixed at creation and cannot be changed here.
func (c *Coordinator) UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error) {
	now := c.clock.Now()
	if err := u.Validate(now); err != nil {
		return domain.Event{}, err
	}
	event, err := c.store.UpdateEvent(ctx, id, u)
	if err != nil {
		return domain.Event{}, err
	}

	c.logger.WithField("event_id", id).WithField("version", event.Version).Info("event updated")
	c.publish(ctx, event.Snapshot())
	c.record(ctx, AuditEntry{
		Action:  AuditEventUpdated,
		EventID: id,
		At:      now,
		Data:    updatedFields(u),
	})
	return event, nil
}

func updatedFields(u domain.EventUpdate) map[string]interface{} {
	data := map[string]interface{}{}
	if u.Title != nil {
		data["title"] = *u.Title
	}
	if u.Description != nil {
		data["description"] = *u.Description
	}
	if u.Location != nil {
		data["location"] = *u.Location
	}
	if u.ImageURL != nil {
		data["image_url"] = *u.ImageURL
	}
	if u.PriceCents != nil {
		data["price_cents"] = *u.PriceCents
	}
	if u.ScheduledAt != nil {
		data["scheduled_at"] = u.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return data
}

// CancelEvent marks the event CANCELLED and, in the same unit of work,
// cancels every active reservation and releases the slots they held.
func (c *Coordinator) CancelEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	now := c.clock.Now()
	var (
		event    domain.Event
		released int
	)
	err := c.store.WithTx(ctx, func(txCtx context.Context) error {
		ev, err := c.store.CancelEvent(txCtx, id, now)
		if err != nil {
			return err
		}
		n, err := c.store.CancelEventReservations(txCtx, id, now)
		if err != nil {
			return err
		}
		if n > 0 {
			if ev, err = c.store.ReleaseOccupancy(txCtx, id, n); err != nil {
				return err
			}
		}
		event, released = ev, n
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	c.logger.WithField("event_id", id).WithField("released", released).Info("event cancelled")
	c.publish(ctx, event.Snapshot())
	c.record(ctx, AuditEntry{
		Action:  AuditEventCancelled,
		EventID: id,
		At:      now,
		Data:    map[string]interface{}{"released": released},
	})
	return event, nil
}

// CancelBooking cancels the caller's active reservation and frees its slot.
func (c *Coordinator) CancelBooking(ctx context.Context, eventID uuid.UUID, userID string) (domain.Occupancy, error) {
	now := c.clock.Now()
	var (
		reservation domain.Reservation
		event       domain.Event
	)
	err := c.store.WithTx(ctx, func(txCtx context.Context) error {
		r, err := c.store.CancelReservation(txCtx, eventID, userID, now)
		if err != nil {
			return err
		}
		ev, err := c.store.ReleaseOccupancy(txCtx, eventID, 1)
		if err != nil {
			return err
		}
		reservation, event = r, ev
		return nil
	})
	if err != nil {
		return domain.Occupancy{}, err
	}

	occ := event.Snapshot()
	c.publish(ctx, occ)
	c.record(ctx, AuditEntry{
		Action:  AuditBookingCancelled,
		EventID: eventID,
		UserID:  userID,
		At:      now,
		Data:    map[string]interface{}{"reservation_id": reservation.ID.String()},
	})
	return occ, nil
}

func (c *Coordinator) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return c.store.GetEvent(ctx, id)
}

func (c *Coordinator) ListEvents(ctx context.Context) ([]domain.Event, error) {
	return c.store.ListEvents(ctx)
}

func (c *Coordinator) GetOccupancy(ctx context.Context, id uuid.UUID) (domain.Occupancy, error) {
	event, err := c.store.GetEvent(ctx, id)
	if err != nil {
		return domain.Occupancy{}, err
	}
	return event.Snapshot(), nil
}

func (c *Coordinator) GetBooking(ctx context.Context, eventID uuid.UUID, userID string) (domain.Reservation, error) {
	r, err := c.store.GetActiveReservation(ctx, eventID, userID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r == nil {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return *r, nil
}

// SubscribeOccupancy returns the current occupancy and a stream of later
// updates. The snapshot is read after subscribing so no change between the
// two is lost. The stream closes when ctx is done.
func (c *Coordinator) SubscribeOccupancy(ctx context.Context, id uuid.UUID) (domain.Occupancy, <-chan domain.Occupancy, error) {
	if c.notifier == nil {
		return domain.Occupancy{}, nil, ErrStreamingUnavailable
	}
	if _, err := c.store.GetEvent(ctx, id); err != nil {
		return domain.Occupancy{}, nil, err
	}
	updates, err := c.notifier.Subscribe(ctx, id)
	if err != nil {
		return domain.Occupancy{}, nil, errors.Wrap(err, "subscribe")
	}
	current, err := c.GetOccupancy(ctx, id)
	if err != nil {
		return domain.Occupancy{}, nil, err
	}
	return current, updates, nil
}

func (c *Coordinator) publish(ctx context.Context, occ domain.Occupancy) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(context.WithoutCancel(ctx), occ); err != nil {
		c.logger.WithError(err).WithField("event_id", occ.EventID).Warn("failed to publish occupancy")
	}
}

func (c *Coordinator) record(ctx context.Context, entry AuditEntry) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.WithError(err).WithField("action", entry.Action).Warn("failed to record audit entry")
	}
}

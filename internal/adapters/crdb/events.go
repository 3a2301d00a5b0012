package crdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/outbox"
)

const eventColumns = `id, title, description, location, image_url, price_cents, capacity, occupancy, version, scheduled_at, cancelled_at, created_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Location, &e.ImageURL, &e.PriceCents, &e.Capacity, &e.Occupancy,
		&e.Version, &e.ScheduledAt, &e.CancelledAt, &e.CreatedAt)
	return e, err
}

func (r *Repository) CreateEvent(ctx context.Context, e domain.Event) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO events (id, title, description, location, image_url, price_cents, capacity, occupancy, version, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Title, e.Description, e.Location, e.ImageURL, e.PriceCents, e.Capacity, e.Occupancy, e.Version, e.ScheduledAt, e.CreatedAt)
	if err != nil {
		return errors.Wrap(mapError(err), "insert event")
	}
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	e, err := scanEvent(r.db(ctx).QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "get event")
	}
	return e, nil
}

func (r *Repository) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY scheduled_at ASC, created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) CancelEvent(ctx context.Context, id uuid.UUID, at time.Time) (domain.Event, error) {
	var event domain.Event
	err := r.WithTx(ctx, func(ctx context.Context) error {
		e, err := scanEvent(r.db(ctx).QueryRow(ctx, `
			UPDATE events SET cancelled_at = $2, version = version + 1
			WHERE id = $1 AND cancelled_at IS NULL
			RETURNING `+eventColumns, id, at))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := r.GetEvent(ctx, id); err != nil {
				return err
			}
			return domain.ErrAlreadyCancelled
		}
		if err != nil {
			return errors.Wrap(err, "cancel event")
		}
		event = e
		return r.insertOccupancyChanged(ctx, e)
	})
	return event, err
}

// UpdateEvent leaves every column whose update field is nil unchanged.
func (r *Repository) UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error) {
	var scheduledAt *time.Time
	if u.ScheduledAt != nil {
		at := u.ScheduledAt.UTC()
		scheduledAt = &at
	}
	var event domain.Event
	err := r.WithTx(ctx, func(ctx context.Context) error {
		e, err := scanEvent(r.db(ctx).QueryRow(ctx, `
			UPDATE events SET
				title = COALESCE($2::STRING, title),
				description = COALESCE($3::STRING, description),
				location = COALESCE($4::STRING, location),
				image_url = COALESCE($5::STRING, image_url),
				price_cents = COALESCE($6::INT8, price_cents),
				scheduled_at = COALESCE($7::TIMESTAMPTZ, scheduled_at),
				version = version + 1
			WHERE id = $1 AND cancelled_at IS NULL
			RETURNING `+eventColumns,
			id, u.Title, u.Description, u.Location, u.ImageURL, u.PriceCents, scheduledAt))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := r.GetEvent(ctx, id); err != nil {
				return err
			}
			return domain.ErrAlreadyCancelled
		}
		if err != nil {
			return errors.Wrap(mapError(err), "update event")
		}
		event = e
		return r.insertOccupancyChanged(ctx, e)
	})
	return event, err
}

// CompareAndIncrementOccupancy is one conditional UPDATE. When it matches no
// row the current state decides which error the caller sees.
func (r *Repository) CompareAndIncrementOccupancy(ctx context.Context, id uuid.UUID, expected int) (domain.Event, error) {
	var event domain.Event
	err := r.WithTx(ctx, func(ctx context.Context) error {
		e, err := scanEvent(r.db(ctx).QueryRow(ctx, `
			UPDATE events SET occupancy = occupancy + 1, version = version + 1
			WHERE id = $1 AND occupancy = $2 AND occupancy < capacity AND cancelled_at IS NULL
			RETURNING `+eventColumns, id, expected))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := r.GetEvent(ctx, id)
			if err != nil {
				return err
			}
			switch {
			case current.CancelledAt != nil:
				return domain.ErrEventCancelled
			case current.Occupancy >= current.Capacity:
				return domain.ErrEventFull
			default:
				return domain.ErrConflict
			}
		}
		if err != nil {
			return errors.Wrap(mapError(err), "increment occupancy")
		}
		event = e
		return r.insertOccupancyChanged(ctx, e)
	})
	return event, err
}

func (r *Repository) ReleaseOccupancy(ctx context.Context, id uuid.UUID, n int) (domain.Event, error) {
	if n <= 0 {
		return r.GetEvent(ctx, id)
	}
	var event domain.Event
	err := r.WithTx(ctx, func(ctx context.Context) error {
		e, err := scanEvent(r.db(ctx).QueryRow(ctx, `
			UPDATE events SET occupancy = occupancy - $2, version = version + 1
			WHERE id = $1 AND occupancy >= $2
			RETURNING `+eventColumns, id, n))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := r.GetEvent(ctx, id)
			if err != nil {
				return err
			}
			return errors.Newf("release %d slots of event %s: occupancy is %d", n, id, current.Occupancy)
		}
		if err != nil {
			return errors.Wrap(mapError(err), "release occupancy")
		}
		event = e
		return r.insertOccupancyChanged(ctx, e)
	})
	return event, err
}

func (r *Repository) insertOccupancyChanged(ctx context.Context, e domain.Event) error {
	snap := e.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode occupancy")
	}
	return r.InsertOutbox(ctx, outbox.Record{
		ID:            uuid.New(),
		AggregateType: outbox.AggregateEvent,
		AggregateID:   e.ID,
		EventType:     outbox.EventOccupancyChanged,
		Payload:       payload,
		DedupeKey:     fmt.Sprintf("%s:%d", e.ID, e.Version),
	})
}

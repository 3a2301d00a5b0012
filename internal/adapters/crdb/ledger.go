package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/event-reservations/internal/domain"
)

const reservationColumns = `id, event_id, user_id, status, idempotency_key, created_at, cancelled_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.EventID, &res.UserID, &res.Status, &res.IdempotencyKey, &res.CreatedAt, &res.CancelledAt)
	return res, err
}

// InsertReservation relies on the reservations_active_pair partial index.
// ON CONFLICT keeps the transaction usable when the pair is taken.
func (r *Repository) InsertReservation(ctx context.Context, res domain.Reservation) (domain.InsertResult, error) {
	var id uuid.UUID
	err := r.db(ctx).QueryRow(ctx, `
		INSERT INTO reservations (id, event_id, user_id, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, user_id) WHERE status = 'ACTIVE' DO NOTHING
		RETURNING id
	`, res.ID, res.EventID, res.UserID, res.Status, res.IdempotencyKey, res.CreatedAt).Scan(&id)
	switch {
	case err == nil:
		return domain.InsertResult{Inserted: true}, nil
	case errors.Is(err, pgx.ErrNoRows):
	case isCode(err, ForeignKeyViolationCode):
		return domain.InsertResult{}, domain.ErrEventNotFound
	default:
		return domain.InsertResult{}, errors.Wrap(mapError(err), "insert reservation")
	}

	existing, err := r.GetActiveReservation(ctx, res.EventID, res.UserID)
	if err != nil {
		return domain.InsertResult{}, err
	}
	if existing == nil {
		// The conflicting row was cancelled between the insert and the read.
		return domain.InsertResult{}, domain.ErrConflict
	}
	return domain.InsertResult{Existing: *existing}, nil
}

func (r *Repository) GetActiveReservation(ctx context.Context, eventID uuid.UUID, userID string) (*domain.Reservation, error) {
	res, err := scanReservation(r.db(ctx).QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE event_id = $1 AND user_id = $2 AND status = 'ACTIVE'
	`, eventID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(mapError(err), "get active reservation")
	}
	return &res, nil
}

func (r *Repository) CancelReservation(ctx context.Context, eventID uuid.UUID, userID string, at time.Time) (domain.Reservation, error) {
	res, err := scanReservation(r.db(ctx).QueryRow(ctx, `
		UPDATE reservations SET status = 'CANCELLED', cancelled_at = $3
		WHERE event_id = $1 AND user_id = $2 AND status = 'ACTIVE'
		RETURNING `+reservationColumns, eventID, userID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(mapError(err), "cancel reservation")
	}
	return res, nil
}

func (r *Repository) CancelEventReservations(ctx context.Context, eventID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.db(ctx).Exec(ctx, `
		UPDATE reservations SET status = 'CANCELLED', cancelled_at = $2
		WHERE event_id = $1 AND status = 'ACTIVE'
	`, eventID, at)
	if err != nil {
		return 0, errors.Wrap(mapError(err), "cancel event reservations")
	}
	return int(tag.RowsAffected()), nil
}

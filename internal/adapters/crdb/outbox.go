package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/event-reservations/internal/outbox"
)

func (r *Repository) InsertOutbox(ctx context.Context, record outbox.Record) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey)
	if err != nil {
		return errors.Wrap(mapError(err), "insert outbox")
	}
	return nil
}

// RelayOutbox locks up to limit NEW records, hands each to publish in
// creation order and marks the ones that went through as PUBLISHED, all in
// one transaction. SKIP LOCKED lets several relays share the table. The
// batch stops at the first publish failure so ordering per aggregate holds.
func (r *Repository) RelayOutbox(ctx context.Context, limit int, publish func(context.Context, outbox.Record) error) (outbox.BatchResult, error) {
	var result outbox.BatchResult
	err := r.WithTx(ctx, func(ctx context.Context) error {
		result = outbox.BatchResult{}
		records, err := r.unpublished(ctx, limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if result.Oldest.IsZero() || rec.CreatedAt.Before(result.Oldest) {
				result.Oldest = rec.CreatedAt
			}
			if err := publish(ctx, rec); err != nil {
				result.Failed++
				break
			}
			if err := r.markPublished(ctx, rec, time.Now().UTC()); err != nil {
				return err
			}
			result.Relayed++
		}
		return nil
	})
	return result, err
}

func (r *Repository) unpublished(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "select outbox")
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		if err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload,
			&rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey); err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) markPublished(ctx context.Context, rec outbox.Record, at time.Time) error {
	_, err := r.db(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, rec.ID, at)
	if err != nil {
		return errors.Wrap(mapError(err), "mark published")
	}
	return nil
}

// PendingOutbox counts records not yet relayed.
func (r *Repository) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := r.db(ctx).QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'NEW'`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, errors.Wrap(err, "count outbox")
}

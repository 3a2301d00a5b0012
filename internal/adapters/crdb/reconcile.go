package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-reservations/internal/domain"
)

func (r *Repository) Drift(ctx context.Context) ([]domain.Drift, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT e.id, e.occupancy, count(res.id)
		FROM events e
		LEFT JOIN reservations res ON res.event_id = e.id AND res.status = 'ACTIVE'
		GROUP BY e.id, e.occupancy
		HAVING e.occupancy <> count(res.id)
		ORDER BY e.id
	`)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "query drift")
	}
	defer rows.Close()

	drifts := []domain.Drift{}
	for rows.Next() {
		var d domain.Drift
		if err := rows.Scan(&d.EventID, &d.Occupancy, &d.Active); err != nil {
			return nil, errors.Wrap(err, "scan drift")
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

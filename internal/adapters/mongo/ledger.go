package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type reservationDoc struct {
	ID             string     `bson:"_id"`
	EventID        string     `bson:"event_id"`
	UserID         string     `bson:"user_id"`
	Status         string     `bson:"status"`
	IdempotencyKey string     `bson:"idempotency_key"`
	CreatedAt      time.Time  `bson:"created_at"`
	CancelledAt    *time.Time `bson:"cancelled_at,omitempty"`
}

func toReservationDoc(r domain.Reservation) reservationDoc {
	return reservationDoc{
		ID:             r.ID.String(),
		EventID:        r.EventID.String(),
		UserID:         r.UserID,
		Status:         string(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		CancelledAt:    r.CancelledAt,
	}
}

func (d reservationDoc) reservation() (domain.Reservation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "reservation id %q", d.ID)
	}
	eventID, err := uuid.Parse(d.EventID)
	if err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "reservation event id %q", d.EventID)
	}
	r := domain.Reservation{
		ID:             id,
		EventID:        eventID,
		UserID:         d.UserID,
		Status:         domain.ReservationStatus(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.CancelledAt != nil {
		at := d.CancelledAt.UTC()
		r.CancelledAt = &at
	}
	return r, nil
}

func activeFilter(eventID uuid.UUID, userID string) bson.M {
	return bson.M{"event_id": eventID.String(), "user_id": userID, "status": string(domain.ReservationActive)}
}

// InsertReservation relies on the reservations_active_pair partial index.
// A duplicate key aborts a Mongo transaction, so inside one it is reported
// as a conflict and the caller's next attempt sees the existing row.
func (s *Store) InsertReservation(ctx context.Context, r domain.Reservation) (domain.InsertResult, error) {
	if _, err := s.GetEvent(ctx, r.EventID); err != nil {
		return domain.InsertResult{}, err
	}
	_, err := s.reservations.InsertOne(ctx, toReservationDoc(r))
	if err == nil {
		return domain.InsertResult{Inserted: true}, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return domain.InsertResult{}, errors.Wrap(mapError(err), "insert reservation")
	}
	if inTx(ctx) {
		return domain.InsertResult{}, errors.Mark(errors.Wrap(err, "active reservation exists"), domain.ErrConflict)
	}

	existing, err := s.GetActiveReservation(ctx, r.EventID, r.UserID)
	if err != nil {
		return domain.InsertResult{}, err
	}
	if existing == nil {
		return domain.InsertResult{}, domain.ErrConflict
	}
	return domain.InsertResult{Existing: *existing}, nil
}

func (s *Store) GetActiveReservation(ctx context.Context, eventID uuid.UUID, userID string) (*domain.Reservation, error) {
	var doc reservationDoc
	err := s.reservations.FindOne(ctx, activeFilter(eventID, userID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(mapError(err), "get active reservation")
	}
	r, err := doc.reservation()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CancelReservation(ctx context.Context, eventID uuid.UUID, userID string, at time.Time) (domain.Reservation, error) {
	var doc reservationDoc
	err := s.reservations.FindOneAndUpdate(ctx, activeFilter(eventID, userID),
		bson.M{"$set": bson.M{"status": string(domain.ReservationCancelled), "cancelled_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(mapError(err), "cancel reservation")
	}
	return doc.reservation()
}

func (s *Store) CancelEventReservations(ctx context.Context, eventID uuid.UUID, at time.Time) (int, error) {
	res, err := s.reservations.UpdateMany(ctx,
		bson.M{"event_id": eventID.String(), "status": string(domain.ReservationActive)},
		bson.M{"$set": bson.M{"status": string(domain.ReservationCancelled), "cancelled_at": at}})
	if err != nil {
		return 0, errors.Wrap(mapError(err), "cancel event reservations")
	}
	return int(res.ModifiedCount), nil
}

// Drift compares every event's occupancy with its ACTIVE reservation count.
func (s *Store) Drift(ctx context.Context) ([]domain.Drift, error) {
	cur, err := s.reservations.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": string(domain.ReservationActive)}}},
		{{Key: "$group", Value: bson.M{"_id": "$event_id", "active": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "count active reservations")
	}
	var counts []struct {
		EventID string `bson:"_id"`
		Active  int    `bson:"active"`
	}
	if err := cur.All(ctx, &counts); err != nil {
		return nil, errors.Wrap(err, "decode active counts")
	}
	active := make(map[string]int, len(counts))
	for _, c := range counts {
		active[c.EventID] = c.Active
	}

	events, err := s.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	drifts := []domain.Drift{}
	for _, e := range events {
		if n := active[e.ID.String()]; n != e.Occupancy {
			drifts = append(drifts, domain.Drift{EventID: e.ID, Occupancy: e.Occupancy, Active: n})
		}
	}
	return drifts, nil
}

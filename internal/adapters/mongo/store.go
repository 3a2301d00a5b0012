// Package mongo is the MongoDB Event Store and Reservation Ledger, plus the
// audit trail. Units of work are multi-document transactions and need a
// replica set.
package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	eventsCollection       = "events"
	reservationsCollection = "reservations"
	writeConflictCode      = 112
)

type Store struct {
	client       *mongo.Client
	events       *mongo.Collection
	reservations *mongo.Collection
	logger       observability.Logger
}

func NewStore(client *mongo.Client, db *mongo.Database, logger observability.Logger) *Store {
	return &Store{
		client:       client,
		events:       db.Collection(eventsCollection),
		reservations: db.Collection(reservationsCollection),
		logger:       logger,
	}
}

// EnsureIndexes creates the partial unique index that allows one ACTIVE
// reservation per (event, user).
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.reservations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().
				SetName("reservations_active_pair").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(domain.ReservationActive)}),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("reservations_event_status"),
		},
	})
	if err != nil {
		return errors.Wrap(err, "create reservation indexes")
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "scheduled_at", Value: 1}},
		Options: options.Index().SetName("events_scheduled_at"),
	})
	return errors.Wrap(err, "create event indexes")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// WithTx runs fn inside a snapshot transaction. The transaction is not
// retried here; transient transaction errors surface as domain.ErrConflict.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	sess, err := s.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return errors.Wrap(err, "start transaction")
	}

	sc := mongo.NewSessionContext(ctx, sess)
	if err := fn(sc); err != nil {
		if abortErr := sess.AbortTransaction(context.WithoutCancel(ctx)); abortErr != nil {
			s.logger.WithError(abortErr).Debug("abort transaction")
		}
		return mapError(err)
	}
	if err := sess.CommitTransaction(sc); err != nil {
		return mapError(errors.Wrap(err, "commit"))
	}
	return nil
}

func mapError(err error) error {
	if isConflict(err) {
		return errors.Mark(err, domain.ErrConflict)
	}
	return err
}

func isConflict(err error) bool {
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) {
		if labeled.HasErrorLabel("TransientTransactionError") || labeled.HasErrorLabel("UnknownTransactionCommitResult") {
			return true
		}
	}
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(writeConflictCode)
}

func inTx(ctx context.Context) bool {
	return mongo.SessionFromContext(ctx) != nil
}

type eventDoc struct {
	ID          string     `bson:"_id"`
	Title       string     `bson:"title"`
	Description string     `bson:"description"`
	Location    string     `bson:"location"`
	ImageURL    string     `bson:"image_url,omitempty"`
	PriceCents  int64      `bson:"price_cents"`
	Capacity    int        `bson:"capacity"`
	Occupancy   int        `bson:"occupancy"`
	Version     int64      `bson:"version"`
	ScheduledAt time.Time  `bson:"scheduled_at"`
	CancelledAt *time.Time `bson:"cancelled_at"`
	CreatedAt   time.Time  `bson:"created_at"`
}

func toEventDoc(e domain.Event) eventDoc {
	return eventDoc{
		ID:          e.ID.String(),
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		ImageURL:    e.ImageURL,
		PriceCents:  e.PriceCents,
		Capacity:    e.Capacity,
		Occupancy:   e.Occupancy,
		Version:     e.Version,
		ScheduledAt: e.ScheduledAt,
		CancelledAt: e.CancelledAt,
		CreatedAt:   e.CreatedAt,
	}
}

func (d eventDoc) event() (domain.Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "event id %q", d.ID)
	}
	e := domain.Event{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Location:    d.Location,
		ImageURL:    d.ImageURL,
		PriceCents:  d.PriceCents,
		Capacity:    d.Capacity,
		Occupancy:   d.Occupancy,
		Version:     d.Version,
		ScheduledAt: d.ScheduledAt.UTC(),
		CreatedAt:   d.CreatedAt.UTC(),
	}
	if d.CancelledAt != nil {
		at := d.CancelledAt.UTC()
		e.CancelledAt = &at
	}
	return e, nil
}

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	if _, err := s.events.InsertOne(ctx, toEventDoc(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(domain.ErrInvalidInput, "event %s already exists", e.ID)
		}
		return errors.Wrap(mapError(err), "insert event")
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "get event")
	}
	return doc.event()
}

func (s *Store) ListEvents(ctx context.Context) ([]domain.Event, error) {
	cur, err := s.events.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: 1}, {Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(mapError(err), "list events")
	}
	defer cur.Close(ctx)

	events := []domain.Event{}
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		e, err := doc.event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, errors.Wrap(cur.Err(), "iterate events")
}

// updateEvent applies update to the event matching filter and returns the
// new document, or mongo.ErrNoDocuments when nothing matched.
func (s *Store) updateEvent(ctx context.Context, filter, update bson.M) (domain.Event, error) {
	var doc eventDoc
	err := s.events.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return domain.Event{}, err
	}
	return doc.event()
}

func (s *Store) CancelEvent(ctx context.Context, id uuid.UUID, at time.Time) (domain.Event, error) {
	e, err := s.updateEvent(ctx,
		bson.M{"_id": id.String(), "cancelled_at": nil},
		bson.M{"$set": bson.M{"cancelled_at": at}, "$inc": bson.M{"version": 1}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return domain.Event{}, err
		}
		return domain.Event{}, domain.ErrAlreadyCancelled
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "cancel event")
	}
	return e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error) {
	e, err := s.updateEvent(ctx,
		bson.M{"_id": id.String(), "cancelled_at": nil},
		bson.M{"$set": eventUpdateFields(u), "$inc": bson.M{"version": 1}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return domain.Event{}, err
		}
		return domain.Event{}, domain.ErrAlreadyCancelled
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "update event")
	}
	return e, nil
}

func eventUpdateFields(u domain.EventUpdate) bson.M {
	set := bson.M{}
	if u.Title != nil {
		set["title"] = *u.Title
	}
	if u.Description != nil {
		set["description"] = *u.Description
	}
	if u.Location != nil {
		set["location"] = *u.Location
	}
	if u.ImageURL != nil {
		set["image_url"] = *u.ImageURL
	}
	if u.PriceCents != nil {
		set["price_cents"] = *u.PriceCents
	}
	if u.ScheduledAt != nil {
		set["scheduled_at"] = u.ScheduledAt.UTC()
	}
	return set
}

// CompareAndIncrementOccupancy is a single conditional findAndModify.
func (s *Store) CompareAndIncrementOccupancy(ctx context.Context, id uuid.UUID, expected int) (domain.Event, error) {
	e, err := s.updateEvent(ctx,
		bson.M{
			"_id":          id.String(),
			"occupancy":    expected,
			"cancelled_at": nil,
			"$expr":        bson.M{"$lt": bson.A{"$occupancy", "$capacity"}},
		},
		bson.M{"$inc": bson.M{"occupancy": 1, "version": 1}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, err := s.GetEvent(ctx, id)
		if err != nil {
			return domain.Event{}, err
		}
		switch {
		case current.CancelledAt != nil:
			return domain.Event{}, domain.ErrEventCancelled
		case current.Occupancy >= current.Capacity:
			return domain.Event{}, domain.ErrEventFull
		default:
			return domain.Event{}, domain.ErrConflict
		}
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "increment occupancy")
	}
	return e, nil
}

func (s *Store) ReleaseOccupancy(ctx context.Context, id uuid.UUID, n int) (domain.Event, error) {
	if n <= 0 {
		return s.GetEvent(ctx, id)
	}
	e, err := s.updateEvent(ctx,
		bson.M{"_id": id.String(), "occupancy": bson.M{"$gte": n}},
		bson.M{"$inc": bson.M{"occupancy": -n, "version": 1}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, err := s.GetEvent(ctx, id)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{}, errors.Newf("release %d slots of event %s: occupancy is %d", n, id, current.Occupancy)
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(mapError(err), "release occupancy")
	}
	return e, nil
}

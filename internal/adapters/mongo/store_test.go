package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
)

func TestEventDocRoundTrip(t *testing.T) {
	cancelled := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	e := domain.Event{
		ID:          uuid.New(),
		Title:       "Quiz",
		ImageURL:    "https://img.example.com/quiz.png",
		PriceCents:  900,
		Capacity:    4,
		Occupancy:   2,
		Version:     7,
		ScheduledAt: time.Date(2026, 4, 3, 19, 0, 0, 0, time.UTC),
		CancelledAt: &cancelled,
		CreatedAt:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	got, err := toEventDoc(e).event()
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = eventDoc{ID: "nope"}.event()
	assert.Error(t, err)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(mongo.CommandError{Code: 251, Labels: []string{"TransientTransactionError"}}))
	assert.True(t, isConflict(mongo.CommandError{Code: writeConflictCode}))
	assert.True(t, isConflict(errors.Wrap(mongo.CommandError{Labels: []string{"UnknownTransactionCommitResult"}}, "commit")))
	assert.False(t, isConflict(mongo.CommandError{Code: 2}))
	assert.False(t, isConflict(errors.New("boom")))

	assert.True(t, errors.Is(mapError(mongo.CommandError{Code: writeConflictCode}), domain.ErrConflict))
}

func TestToAuditLog(t *testing.T) {
	eventID := uuid.New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := toAuditLog(booking.AuditEntry{
		Action:  booking.AuditBooked,
		EventID: eventID,
		UserID:  "alice",
		At:      at,
		Data:    map[string]interface{}{"occupancy": 3},
	})
	assert.Equal(t, "reservation.created", log.Action)
	assert.Equal(t, eventID.String(), log.EventID)
	assert.Equal(t, at, log.Timestamp)
	assert.Equal(t, 3, log.Data["occupancy"])
	assert.NotEmpty(t, log.ID)
}

var (
	mongoOnce sync.Once
	mongoDB   *mongo.Database
	mongoCl   *mongo.Client
	mongoErr  error
)

// replicaSet starts a single-node replica set so transactions work.
func replicaSet(t *testing.T) (*mongo.Client, *mongo.Database) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	mongoOnce.Do(func() {
		mongoCl, mongoDB, mongoErr = startMongo(context.Background())
	})
	if mongoErr != nil {
		t.Skipf("mongo container unavailable: %v", mongoErr)
	}
	return mongoCl, mongoDB
}

func startMongo(ctx context.Context) (*mongo.Client, *mongo.Database, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, err
	}
	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval",
		`rs.initiate({_id: "rs0", members: [{_id: 0, host: "localhost:27017"}]})`})
	if err != nil {
		return nil, nil, err
	}
	if code != 0 {
		return nil, nil, fmt.Errorf("rs.initiate exited with %d", code)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, nil, err
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return nil, nil, err
	}
	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}

	// The node needs a moment to become primary after rs.initiate.
	deadline := time.Now().Add(30 * time.Second)
	for {
		var status struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		err := client.Database("admin").RunCommand(ctx, map[string]int{"hello": 1}).Decode(&status)
		if err == nil && status.IsWritablePrimary {
			break
		}
		if time.Now().After(deadline) {
			return nil, nil, errors.New("replica set did not elect a primary")
		}
		time.Sleep(500 * time.Millisecond)
	}
	return client, client.Database("evr_test"), nil
}

func newStore(t *testing.T) *Store {
	client, db := replicaSet(t)
	s := NewStore(client, db, observability.NewNopLogger())
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

func seedEvent(t *testing.T, s *Store, capacity int) domain.Event {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	e, err := domain.NewEvent(domain.NewEventInput{Title: "Mongo", Capacity: capacity, ScheduledAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	require.NoError(t, s.CreateEvent(context.Background(), e))
	return e
}

func TestStore_CompareAndIncrementOccupancy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, 1)

	_, err := s.CompareAndIncrementOccupancy(ctx, e.ID, 1)
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	updated, err := s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Occupancy)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 1)
	assert.True(t, errors.Is(err, domain.ErrEventFull), "got %v", err)

	_, err = s.CompareAndIncrementOccupancy(ctx, uuid.New(), 0)
	assert.True(t, errors.Is(err, domain.ErrEventNotFound))
}

func TestEventUpdateFields(t *testing.T) {
	title := "Pub quiz"
	at := time.Date(2026, 6, 1, 20, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	set := eventUpdateFields(domain.EventUpdate{Title: &title, ScheduledAt: &at})
	assert.Equal(t, bson.M{"title": title, "scheduled_at": at.UTC()}, set)
}

func TestStore_UpdateEvent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, 2)

	location := "Room 4"
	updated, err := s.UpdateEvent(ctx, e.ID, domain.EventUpdate{Location: &location})
	require.NoError(t, err)
	assert.Equal(t, location, updated.Location)
	assert.Equal(t, e.Title, updated.Title)
	assert.Equal(t, e.Capacity, updated.Capacity)
	assert.Equal(t, e.Version+1, updated.Version)

	_, err = s.UpdateEvent(ctx, uuid.New(), domain.EventUpdate{Location: &location})
	assert.True(t, errors.Is(err, domain.ErrEventNotFound), "got %v", err)

	_, err = s.CancelEvent(ctx, e.ID, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.UpdateEvent(ctx, e.ID, domain.EventUpdate{Location: &location})
	assert.True(t, errors.Is(err, domain.ErrAlreadyCancelled), "got %v", err)
}

func TestStore_InsertReservationActivePair(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, 3)
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := domain.NewReservation(e.ID, "alice", "k1", now)
	res, err := s.InsertReservation(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	res, err = s.InsertReservation(ctx, domain.NewReservation(e.ID, "alice", "k2", now))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, first.ID, res.Existing.ID)

	err = s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.InsertReservation(ctx, domain.NewReservation(e.ID, "alice", "k3", now))
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	_, err = s.CancelReservation(ctx, e.ID, "alice", now)
	require.NoError(t, err)
	res, err = s.InsertReservation(ctx, domain.NewReservation(e.ID, "alice", "k1", now))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, 1)

	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.InsertReservation(ctx, domain.NewReservation(e.ID, "bob", "k", time.Now().UTC())); err != nil {
			return err
		}
		return domain.ErrEventFull
	})
	assert.True(t, errors.Is(err, domain.ErrEventFull))

	r, err := s.GetActiveReservation(ctx, e.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAuditLogger_RecordAndRecent(t *testing.T) {
	_, db := replicaSet(t)
	ctx := context.Background()
	audit := NewAuditLogger(db)
	require.NoError(t, audit.EnsureIndexes(ctx))

	eventID := uuid.New()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, action := range []booking.AuditAction{booking.AuditEventCreated, booking.AuditBooked} {
		require.NoError(t, audit.Record(ctx, booking.AuditEntry{Action: action, EventID: eventID, At: base.Add(time.Duration(i) * time.Second)}))
	}

	logs, err := audit.Recent(ctx, eventID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, string(booking.AuditBooked), logs[0].Action)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/event-reservations/internal/domain"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, s *Store, capacity int) domain.Event {
	t.Helper()
	e, err := domain.NewEvent(domain.NewEventInput{Title: "Workshop", Capacity: capacity, ScheduledAt: now.Add(48 * time.Hour)}, now)
	require.NoError(t, err)
	require.NoError(t, s.CreateEvent(context.Background(), e))
	return e
}

func TestStore_CompareAndIncrementOccupancy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 2)

	updated, err := s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Occupancy)
	assert.Equal(t, int64(1), updated.Version)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	assert.True(t, errors.Is(err, domain.ErrConflict), "stale expectation must conflict, got %v", err)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 1)
	require.NoError(t, err)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 1)
	assert.True(t, errors.Is(err, domain.ErrEventFull), "full event must report full, got %v", err)

	_, err = s.CompareAndIncrementOccupancy(ctx, uuid.New(), 0)
	assert.True(t, errors.Is(err, domain.ErrEventNotFound))

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Occupancy)
	assert.Equal(t, domain.LifecycleFull, got.Lifecycle())
}

func TestStore_CompareAndIncrementRejectsCancelled(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 2)

	_, err := s.CancelEvent(ctx, e.ID, now)
	require.NoError(t, err)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	assert.True(t, errors.Is(err, domain.ErrEventCancelled))

	_, err = s.CancelEvent(ctx, e.ID, now)
	assert.True(t, errors.Is(err, domain.ErrAlreadyCancelled))
}

func TestStore_UpdateEvent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 3)
	_, err := s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	require.NoError(t, err)

	title := "Advanced workshop"
	price := int64(2500)
	updated, err := s.UpdateEvent(ctx, e.ID, domain.EventUpdate{Title: &title, PriceCents: &price})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, price, updated.PriceCents)
	assert.Equal(t, 3, updated.Capacity)
	assert.Equal(t, 1, updated.Occupancy)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.UpdateEvent(ctx, uuid.New(), domain.EventUpdate{Title: &title})
	assert.True(t, errors.Is(err, domain.ErrEventNotFound))

	_, err = s.CancelEvent(ctx, e.ID, now)
	require.NoError(t, err)
	_, err = s.UpdateEvent(ctx, e.ID, domain.EventUpdate{Title: &title})
	assert.True(t, errors.Is(err, domain.ErrAlreadyCancelled))
}

func TestStore_UpdateEventRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 3)

	title := "Renamed"
	err := s.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.UpdateEvent(txCtx, e.ID, domain.EventUpdate{Title: &title}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Workshop", got.Title)
	assert.Equal(t, int64(0), got.Version)
}

func TestStore_InsertReservationUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 5)

	first := domain.NewReservation(e.ID, "user-a", "key-1", now)
	res, err := s.InsertReservation(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	second := domain.NewReservation(e.ID, "user-a", "key-2", now)
	res, err = s.InsertReservation(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, first.ID, res.Existing.ID)
	assert.Equal(t, "key-1", res.Existing.IdempotencyKey)

	_, err = s.CancelReservation(ctx, e.ID, "user-a", now)
	require.NoError(t, err)

	res, err = s.InsertReservation(ctx, second)
	require.NoError(t, err)
	assert.True(t, res.Inserted, "a cancelled reservation must not block a new one")

	_, err = s.CancelReservation(ctx, e.ID, "user-b", now)
	assert.True(t, errors.Is(err, domain.ErrReservationNotFound))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 1)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.InsertReservation(txCtx, domain.NewReservation(e.ID, "user-a", "key-1", now))
		require.NoError(t, err)
		require.True(t, res.Inserted)
		_, err = s.CompareAndIncrementOccupancy(txCtx, e.ID, 0)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Occupancy)
	assert.Equal(t, int64(0), got.Version)

	r, err := s.GetActiveReservation(ctx, e.ID, "user-a")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestStore_CancelEventReservations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 3)
	other := seedEvent(t, s, 3)

	for i, user := range []string{"a", "b"} {
		_, err := s.InsertReservation(ctx, domain.NewReservation(e.ID, user, "k", now))
		require.NoError(t, err)
		_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, i)
		require.NoError(t, err)
	}
	_, err := s.InsertReservation(ctx, domain.NewReservation(other.ID, "a", "k", now))
	require.NoError(t, err)

	n, err := s.CancelEventReservations(ctx, e.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.CountActive(ctx, e.ID))
	assert.Equal(t, 1, s.CountActive(ctx, other.ID))

	updated, err := s.ReleaseOccupancy(ctx, e.ID, n)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Occupancy)

	_, err = s.ReleaseOccupancy(ctx, e.ID, 1)
	assert.Error(t, err, "occupancy must never go negative")
}

func TestStore_ListEventsOrdersBySchedule(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	late, _ := domain.NewEvent(domain.NewEventInput{Capacity: 1, ScheduledAt: now.Add(72 * time.Hour)}, now)
	early, _ := domain.NewEvent(domain.NewEventInput{Capacity: 1, ScheduledAt: now.Add(24 * time.Hour)}, now)
	require.NoError(t, s.CreateEvent(ctx, late))
	require.NoError(t, s.CreateEvent(ctx, early))

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, early.ID, events[0].ID)
	assert.Equal(t, late.ID, events[1].ID)
}

func TestStore_Drift(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	e := seedEvent(t, s, 2)

	drifts, err := s.Drift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	_, err = s.CompareAndIncrementOccupancy(ctx, e.ID, 0)
	require.NoError(t, err)

	drifts, err = s.Drift(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, domain.Drift{EventID: e.ID, Occupancy: 1, Active: 0}, drifts[0])
}

// Package memory is an in-process Event Store and Reservation Ledger. A unit
// of work holds the store mutex for its whole duration and keeps an undo log,
// so WithTx gives the same all-or-nothing guarantee the SQL backend gets
// from a database transaction. State lives in one process, so it backs a
// single dev or test instance only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
)

type pairKey struct {
	eventID uuid.UUID
	userID  string
}

type Store struct {
	mu           sync.Mutex
	events       map[uuid.UUID]domain.Event
	reservations map[uuid.UUID]domain.Reservation
	active       map[pairKey]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		events:       make(map[uuid.UUID]domain.Event),
		reservations: make(map[uuid.UUID]domain.Reservation),
		active:       make(map[pairKey]uuid.UUID),
	}
}

type txKey struct{}

type tx struct {
	store *Store
	undo  []func()
}

func (t *tx) onRollback(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (s *Store) txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.store != s {
		return nil
	}
	return t
}

// lock returns the active transaction (nil outside one) and the matching
// unlock func. Inside a transaction the mutex is already held.
func (s *Store) lock(ctx context.Context) (*tx, func()) {
	if t := s.txFromContext(ctx); t != nil {
		return t, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFromContext(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, event domain.Event) error {
	t, unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.events[event.ID]; ok {
		return errors.Wrapf(domain.ErrInvalidInput, "event %s already exists", event.ID)
	}
	s.events[event.ID] = event
	t.onRollback(func() { delete(s.events, event.ID) })
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context) ([]domain.Event, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	events := make([]domain.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].ScheduledAt.Equal(events[j].ScheduledAt) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].ScheduledAt.Before(events[j].ScheduledAt)
	})
	return events, nil
}

func (s *Store) CancelEvent(ctx context.Context, id uuid.UUID, at time.Time) (domain.Event, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if e.CancelledAt != nil {
		return domain.Event{}, domain.ErrAlreadyCancelled
	}
	prev := e
	e.CancelledAt = &at
	e.Version++
	s.events[id] = e
	t.onRollback(func() { s.events[id] = prev })
	return e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if e.CancelledAt != nil {
		return domain.Event{}, domain.ErrAlreadyCancelled
	}
	prev := e
	e = e.Apply(u)
	s.events[id] = e
	t.onRollback(func() { s.events[id] = prev })
	return e, nil
}

func (s *Store) CompareAndIncrementOccupancy(ctx context.Context, id uuid.UUID, expected int) (domain.Event, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.events[id]
	switch {
	case !ok:
		return domain.Event{}, domain.ErrEventNotFound
	case e.CancelledAt != nil:
		return domain.Event{}, domain.ErrEventCancelled
	case e.Occupancy >= e.Capacity:
		return domain.Event{}, domain.ErrEventFull
	case e.Occupancy != expected:
		return domain.Event{}, domain.ErrConflict
	}
	prev := e
	e.Occupancy++
	e.Version++
	s.events[id] = e
	t.onRollback(func() { s.events[id] = prev })
	return e, nil
}

func (s *Store) ReleaseOccupancy(ctx context.Context, id uuid.UUID, n int) (domain.Event, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if n <= 0 {
		return e, nil
	}
	if e.Occupancy < n {
		return domain.Event{}, errors.Newf("release %d slots of event %s with occupancy %d", n, id, e.Occupancy)
	}
	prev := e
	e.Occupancy -= n
	e.Version++
	s.events[id] = e
	t.onRollback(func() { s.events[id] = prev })
	return e, nil
}

func (s *Store) InsertReservation(ctx context.Context, r domain.Reservation) (domain.InsertResult, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.events[r.EventID]; !ok {
		return domain.InsertResult{}, domain.ErrEventNotFound
	}
	key := pairKey{eventID: r.EventID, userID: r.UserID}
	if id, ok := s.active[key]; ok {
		return domain.InsertResult{Existing: s.reservations[id]}, nil
	}
	r.Status = domain.ReservationActive
	s.reservations[r.ID] = r
	s.active[key] = r.ID
	t.onRollback(func() {
		delete(s.reservations, r.ID)
		delete(s.active, key)
	})
	return domain.InsertResult{Inserted: true}, nil
}

func (s *Store) GetActiveReservation(ctx context.Context, eventID uuid.UUID, userID string) (*domain.Reservation, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	id, ok := s.active[pairKey{eventID: eventID, userID: userID}]
	if !ok {
		return nil, nil
	}
	r := s.reservations[id]
	return &r, nil
}

func (s *Store) CancelReservation(ctx context.Context, eventID uuid.UUID, userID string, at time.Time) (domain.Reservation, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	key := pairKey{eventID: eventID, userID: userID}
	id, ok := s.active[key]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	r := s.cancelLocked(t, key, id, at)
	return r, nil
}

func (s *Store) CancelEventReservations(ctx context.Context, eventID uuid.UUID, at time.Time) (int, error) {
	t, unlock := s.lock(ctx)
	defer unlock()

	n := 0
	for key, id := range s.active {
		if key.eventID != eventID {
			continue
		}
		s.cancelLocked(t, key, id, at)
		n++
	}
	return n, nil
}

func (s *Store) cancelLocked(t *tx, key pairKey, id uuid.UUID, at time.Time) domain.Reservation {
	prev := s.reservations[id]
	r := prev
	r.Status = domain.ReservationCancelled
	r.CancelledAt = &at
	s.reservations[id] = r
	delete(s.active, key)
	t.onRollback(func() {
		s.reservations[id] = prev
		s.active[key] = id
	})
	return r
}

// CountActive returns the number of ACTIVE reservations for the event.
func (s *Store) CountActive(ctx context.Context, eventID uuid.UUID) int {
	_, unlock := s.lock(ctx)
	defer unlock()

	n := 0
	for key := range s.active {
		if key.eventID == eventID {
			n++
		}
	}
	return n
}

func (s *Store) Drift(ctx context.Context) ([]domain.Drift, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	counts := make(map[uuid.UUID]int, len(s.events))
	for key := range s.active {
		counts[key.eventID]++
	}
	drifts := []domain.Drift{}
	for id, e := range s.events {
		if e.Occupancy != counts[id] {
			drifts = append(drifts, domain.Drift{EventID: id, Occupancy: e.Occupancy, Active: counts[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].EventID.String() < drifts[j].EventID.String() })
	return drifts, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
)

// EventStore owns events. CompareAndIncrementOccupancy is the only path that
// raises occupancy; it must be a single conditional write.
type EventStore interface {
	CreateEvent(ctx context.Context, event domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	ListEvents(ctx context.Context) ([]domain.Event, error)
	CancelEvent(ctx context.Context, id uuid.UUID, at time.Time) (domain.Event, error)
	// UpdateEvent applies u to an event that is not cancelled and bumps its
	// version. Capacity and occupancy are never touched.
	UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error)
	CompareAndIncrementOccupancy(ctx context.Context, id uuid.UUID, expected int) (domain.Event, error)
	ReleaseOccupancy(ctx context.Context, id uuid.UUID, n int) (domain.Event, error)
}

// Ledger owns reservations. Uniqueness of the ACTIVE (event, user) pair is
// enforced by the storage layer, not by callers.
type Ledger interface {
	InsertReservation(ctx context.Context, r domain.Reservation) (domain.InsertResult, error)
	GetActiveReservation(ctx context.Context, eventID uuid.UUID, userID string) (*domain.Reservation, error)
	CancelReservation(ctx context.Context, eventID uuid.UUID, userID string, at time.Time) (domain.Reservation, error)
	CancelEventReservations(ctx context.Context, eventID uuid.UUID, at time.Time) (int, error)
}

// Store is an EventStore and Ledger sharing one unit of work. Calls made
// with the context handed to fn join the transaction; a non-nil return
// from fn rolls back every write made inside it.
type Store interface {
	EventStore
	Ledger
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier fans occupancy changes out to subscribers. The returned channel
// is closed once ctx is done.
type Notifier interface {
	Publish(ctx context.Context, update domain.Occupancy) error
	Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan domain.Occupancy, error)
}

type AuditAction string

const (
	AuditEventCreated     AuditAction = "event.created"
	AuditEventUpdated     AuditAction = "event.updated"
	AuditEventCancelled   AuditAction = "event.cancelled"
	AuditBooked           AuditAction = "reservation.created"
	AuditBookingCancelled AuditAction = "reservation.cancelled"
)

type AuditEntry struct {
	Action  AuditAction
	EventID uuid.UUID
	UserID  string
	At      time.Time
	Data    map[string]interface{}
}

// AuditSink records committed transitions. Failures are logged, never
// propagated to the caller.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

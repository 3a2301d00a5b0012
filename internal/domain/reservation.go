package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

type Reservation struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	UserID         string
	Status         ReservationStatus
	IdempotencyKey string
	CreatedAt      time.Time
	CancelledAt    *time.Time
}

func NewReservation(eventID uuid.UUID, userID, idempotencyKey string, now time.Time) Reservation {
	return Reservation{
		ID:             uuid.New(),
		EventID:        eventID,
		UserID:         userID,
		Status:         ReservationActive,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
}

func (r Reservation) Active() bool {
	return r.Status == ReservationActive
}

// InsertResult reports the outcome of a single ledger insert. When Inserted
// is false, Existing holds the ACTIVE reservation that blocked it.
type InsertResult struct {
	Inserted bool
	Existing Reservation
}

// Booking is what a successful Book call returns.
type Booking struct {
	Reservation Reservation
	Occupancy   Occupancy
	// Replayed is set when the request matched an already committed
	// reservation with the same idempotency key.
	Replayed bool
}

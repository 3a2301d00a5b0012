package domain

import "github.com/google/uuid"

// Drift is an event whose stored occupancy disagrees with the number of
// ACTIVE reservations it has. Any drift is a bug.
type Drift struct {
	EventID   uuid.UUID `json:"event_id"`
	Occupancy int       `json:"occupancy"`
	Active    int       `json:"active"`
}

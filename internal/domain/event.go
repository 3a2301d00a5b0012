package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type Lifecycle string

const (
	LifecycleOpen      Lifecycle = "OPEN"
	LifecycleFull      Lifecycle = "FULL"
	LifecycleCancelled Lifecycle = "CANCELLED"
)

type Event struct {
	ID          uuid.UUID
	Title       string
	Description string
	Location    string
	ImageURL    string
	// PriceCents is informational; zero means free.
	PriceCents  int64
	Capacity    int
	Occupancy   int
	// Version increases on every occupancy, lifecycle or detail change.
	Version     int64
	ScheduledAt time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
}

type NewEventInput struct {
	Title       string
	Description string
	Location    string
	ImageURL    string
	PriceCents  int64
	Capacity    int
	ScheduledAt time.Time
}

func NewEvent(in NewEventInput, now time.Time) (Event, error) {
	if in.Capacity <= 0 {
		return Event{}, ErrInvalidCapacity
	}
	if in.PriceCents < 0 {
		return Event{}, errors.Wrap(ErrInvalidInput, "price must not be negative")
	}
	if !in.ScheduledAt.After(now) {
		return Event{}, ErrScheduleInPast
	}
	return Event{
		ID:          uuid.New(),
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		ImageURL:    in.ImageURL,
		PriceCents:  in.PriceCents,
		Capacity:    in.Capacity,
		ScheduledAt: in.ScheduledAt.UTC(),
		CreatedAt:   now,
	}, nil
}

// EventUpdate changes an event's details. Nil fields are left as they are.
// Capacity cannot be changed.
type EventUpdate struct {
	Title       *string
	Description *string
	Location    *string
	ImageURL    *string
	PriceCents  *int64
	ScheduledAt *time.Time
}

func (u EventUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Location == nil &&
		u.ImageURL == nil && u.PriceCents == nil && u.ScheduledAt == nil
}

// Validate applies the same rules as NewEvent to the fields being set.
func (u EventUpdate) Validate(now time.Time) error {
	if u.Empty() {
		return errors.Wrap(ErrInvalidInput, "nothing to update")
	}
	if u.Title != nil && *u.Title == "" {
		return errors.Wrap(ErrInvalidInput, "title must not be empty")
	}
	if u.PriceCents != nil && *u.PriceCents < 0 {
		return errors.Wrap(ErrInvalidInput, "price must not be negative")
	}
	if u.ScheduledAt != nil && !u.ScheduledAt.After(now) {
		return ErrScheduleInPast
	}
	return nil
}

// Apply returns e with the update applied and Version bumped.
func (e Event) Apply(u EventUpdate) Event {
	if u.Title != nil {
		e.Title = *u.Title
	}
	if u.Description != nil {
		e.Description = *u.Description
	}
	if u.Location != nil {
		e.Location = *u.Location
	}
	if u.ImageURL != nil {
		e.ImageURL = *u.ImageURL
	}
	if u.PriceCents != nil {
		e.PriceCents = *u.PriceCents
	}
	if u.ScheduledAt != nil {
		e.ScheduledAt = u.ScheduledAt.UTC()
	}
	e.Version++
	return e
}

func (e Event) Lifecycle() Lifecycle {
	switch {
	case e.CancelledAt != nil:
		return LifecycleCancelled
	case e.Occupancy >= e.Capacity:
		return LifecycleFull
	default:
		return LifecycleOpen
	}
}

func (e Event) Available() int {
	if e.CancelledAt != nil || e.Occupancy >= e.Capacity {
		return 0
	}
	return e.Capacity - e.Occupancy
}

// Occupancy is the published view of an event's slot count. Consumers keep
// the highest Version they have seen and drop anything older.
type Occupancy struct {
	EventID   uuid.UUID `json:"event_id"`
	Occupancy int       `json:"occupancy"`
	Capacity  int       `json:"capacity"`
	Lifecycle Lifecycle `json:"lifecycle"`
	Version   int64     `json:"version"`
}

func (e Event) Snapshot() Occupancy {
	return Occupancy{
		EventID:   e.ID,
		Occupancy: e.Occupancy,
		Capacity:  e.Capacity,
		Lifecycle: e.Lifecycle(),
		Version:   e.Version,
	}
}

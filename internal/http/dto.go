package http

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
)

type createEventRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	ImageURL    string `json:"image_url"`
	PriceCents  int64  `json:"price_cents"`
	Capacity    int    `json:"capacity"`
	ScheduledAt string `json:"scheduled_at"`
}

func (r createEventRequest) input() (domain.NewEventInput, error) {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return domain.NewEventInput{}, errors.New("title is required")
	}
	at, err := time.Parse(time.RFC3339, r.ScheduledAt)
	if err != nil {
		return domain.NewEventInput{}, errors.New("scheduled_at must be an RFC 3339 timestamp")
	}
	return domain.NewEventInput{
		Title:       title,
		Description: r.Description,
		Location:    r.Location,
		ImageURL:    r.ImageURL,
		PriceCents:  r.PriceCents,
		Capacity:    r.Capacity,
		ScheduledAt: at,
	}, nil
}

// updateEventRequest is a partial update; absent fields are kept. capacity
// is not accepted.
type updateEventRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	ImageURL    *string `json:"image_url"`
	PriceCents  *int64  `json:"price_cents"`
	ScheduledAt *string `json:"scheduled_at"`
}

func (r updateEventRequest) update() (domain.EventUpdate, error) {
	u := domain.EventUpdate{
		Description: r.Description,
		Location:    r.Location,
		ImageURL:    r.ImageURL,
		PriceCents:  r.PriceCents,
	}
	if r.Title != nil {
		title := strings.TrimSpace(*r.Title)
		if title == "" {
			return domain.EventUpdate{}, errors.New("title must not be empty")
		}
		u.Title = &title
	}
	if r.ScheduledAt != nil {
		at, err := time.Parse(time.RFC3339, *r.ScheduledAt)
		if err != nil {
			return domain.EventUpdate{}, errors.New("scheduled_at must be an RFC 3339 timestamp")
		}
		u.ScheduledAt = &at
	}
	if u.Empty() {
		return domain.EventUpdate{}, errors.New("at least one field is required")
	}
	return u, nil
}

type eventResponse struct {
	ID          uuid.UUID        `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Location    string           `json:"location,omitempty"`
	ImageURL    string           `json:"image_url,omitempty"`
	PriceCents  int64            `json:"price_cents"`
	Capacity    int              `json:"capacity"`
	Occupancy   int              `json:"occupancy"`
	Available   int              `json:"available"`
	Lifecycle   domain.Lifecycle `json:"lifecycle"`
	Version     int64            `json:"version"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func toEventResponse(e domain.Event) eventResponse {
	return eventResponse{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		ImageURL:    e.ImageURL,
		PriceCents:  e.PriceCents,
		Capacity:    e.Capacity,
		Occupancy:   e.Occupancy,
		Available:   e.Available(),
		Lifecycle:   e.Lifecycle(),
		Version:     e.Version,
		ScheduledAt: e.ScheduledAt,
		CancelledAt: e.CancelledAt,
		CreatedAt:   e.CreatedAt,
	}
}

type reservationResponse struct {
	ID          uuid.UUID                `json:"id"`
	EventID     uuid.UUID                `json:"event_id"`
	UserID      string                   `json:"user_id"`
	Status      domain.ReservationStatus `json:"status"`
	CreatedAt   time.Time                `json:"created_at"`
	CancelledAt *time.Time               `json:"cancelled_at,omitempty"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:          r.ID,
		EventID:     r.EventID,
		UserID:      r.UserID,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		CancelledAt: r.CancelledAt,
	}
}

type bookingResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Occupancy   domain.Occupancy    `json:"occupancy"`
	Replayed    bool                `json:"replayed"`
}

func toBookingResponse(b domain.Booking) bookingResponse {
	return bookingResponse{
		Reservation: toReservationResponse(b.Reservation),
		Occupancy:   b.Occupancy,
		Replayed:    b.Replayed,
	}
}

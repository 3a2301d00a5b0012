// Package admission decides whether a booking request may proceed against a
// snapshot of the event and the caller's existing reservation. It performs
// no I/O.
package admission

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-reservations/internal/domain"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonEventCancelled Reason = "event_cancelled"
	ReasonEventPast      Reason = "event_past"
	ReasonAlreadyBooked  Reason = "already_booked"
	ReasonEventFull      Reason = "event_full"
)

type Decision struct {
	Reason Reason
}

func (d Decision) Accepted() bool {
	return d.Reason == ReasonNone
}

// Err returns the domain rejection for the decision, or nil on accept.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonEventCancelled:
		return domain.ErrEventCancelled
	case ReasonEventPast:
		return domain.ErrEventPast
	case ReasonAlreadyBooked:
		return domain.ErrAlreadyBooked
	case ReasonEventFull:
		return domain.ErrEventFull
	default:
		return nil
	}
}

// Decide evaluates the rules in a fixed order. Permanent conditions
// (cancelled, past) are reported before the transient one (full).
func Decide(event domain.Event, existing *domain.Reservation, now time.Time) Decision {
	if event.CancelledAt != nil {
		return Decision{Reason: ReasonEventCancelled}
	}
	if !event.ScheduledAt.After(now) {
		return Decision{Reason: ReasonEventPast}
	}
	if existing != nil && existing.Active() {
		return Decision{Reason: ReasonAlreadyBooked}
	}
	if event.Occupancy >= event.Capacity {
		return Decision{Reason: ReasonEventFull}
	}
	return Decision{}
}

// ReasonOf maps a rejection error back to its reason code.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, domain.ErrEventCancelled):
		return ReasonEventCancelled
	case errors.Is(err, domain.ErrEventPast):
		return ReasonEventPast
	case errors.Is(err, domain.ErrAlreadyBooked):
		return ReasonAlreadyBooked
	case errors.Is(err, domain.ErrEventFull):
		return ReasonEventFull
	default:
		return ReasonNone
	}
}

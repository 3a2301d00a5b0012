package domain

import "github.com/cockroachdb/errors"

var (
	ErrEventNotFound          = errors.New("event not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrAlreadyCancelled       = errors.New("event already cancelled")
	ErrInvalidCapacity        = errors.New("capacity must be positive")
	ErrScheduleInPast         = errors.New("scheduled time must be in the future")
	ErrInvalidInput           = errors.New("invalid input")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrSerializationFailure   = errors.New("serialization failure")
)

// Policy rejections. They are final for the request as submitted.
var (
	ErrEventCancelled = errors.New("event cancelled")
	ErrEventPast      = errors.New("event already took place")
	ErrAlreadyBooked  = errors.New("already booked")
	ErrEventFull      = errors.New("event full")
)

var (
	// ErrConflict is returned by a store when a conditional write lost a race.
	ErrConflict = errors.New("conflict")
	// ErrRetryExhausted means contention outlasted the retry budget. The
	// request may be resubmitted with the same idempotency key.
	ErrRetryExhausted = errors.New("booking contention, retry later")
)

func IsRejection(err error) bool {
	return errors.IsAny(err, ErrEventCancelled, ErrEventPast, ErrAlreadyBooked, ErrEventFull)
}

func IsTransient(err error) bool {
	return errors.IsAny(err, ErrRetryExhausted, ErrConflict, ErrSerializationFailure)
}

package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-reservations/internal/admission"
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/idempotency"
	"github.com/robertarktes/event-reservations/internal/identity"
)

const (
	codeInvalidRequestBody    = "invalid_request_body"
	codeInvalidID             = "invalid_id"
	codeInvalidInput          = "invalid_input"
	codeInvalidCapacity       = "invalid_capacity"
	codeInvalidScheduledAt    = "invalid_scheduled_at"
	codeIdempotencyRequired   = "idempotency_key_required"
	codeIdempotencyInProgress = "idempotency_in_progress"
	codeEventNotFound         = "event_not_found"
	codeBookingNotFound       = "booking_not_found"
	codeEventAlreadyCancelled = "event_already_cancelled"
	codeContention            = "contention"
	codeTimeout               = "timeout"
	codeUnauthorized          = "unauthorized"
	codeForbidden             = "forbidden"
	codeRateLimited           = "rate_limited"
	codeNotFound              = "not_found"
	codeMethodNotAllowed      = "method_not_allowed"
	codeStreamUnsupported     = "stream_unsupported"
	codeStreamUnavailable     = "stream_unavailable"
	codeNotReady              = "not_ready"
	codeInternalError         = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorBody(code, msg string) []byte {
	payload, err := json.Marshal(errorResponse{Error: msg, Code: code})
	if err != nil {
		return []byte(`{"error":"internal error","code":"internal_error"}`)
	}
	return payload
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(code, msg))
}

// retryAfterSeconds is what transient failures advertise in Retry-After.
const retryAfterSeconds = "1"

// classifyError maps an engine error to status, code and client message.
// Unknown errors are reported as internal and must be logged by the caller.
func classifyError(err error) (int, string, string) {
	switch {
	case domain.IsRejection(err):
		return http.StatusConflict, string(admission.ReasonOf(err)), rootMessage(err)
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, codeContention, "booking contention, retry with the same idempotency key"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeTimeout, "request timed out, retry with the same idempotency key"
	case errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound, codeEventNotFound, "event not found"
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound, codeBookingNotFound, "no active booking for this event"
	case errors.Is(err, domain.ErrAlreadyCancelled):
		return http.StatusConflict, codeEventAlreadyCancelled, "event already cancelled"
	case errors.Is(err, domain.ErrInvalidCapacity):
		return http.StatusBadRequest, codeInvalidCapacity, "capacity must be positive"
	case errors.Is(err, domain.ErrScheduleInPast):
		return http.StatusBadRequest, codeInvalidScheduledAt, "scheduled_at must be in the future"
	case errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, codeIdempotencyRequired, "Idempotency-Key header required"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, codeInvalidInput, err.Error()
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, codeIdempotencyInProgress, "a request with this Idempotency-Key is still in progress"
	case errors.Is(err, booking.ErrStreamingUnavailable):
		return http.StatusNotImplemented, codeStreamUnavailable, "occupancy streaming is not configured"
	case errors.IsAny(err, identity.ErrMissingToken, identity.ErrInvalidToken):
		return http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token"
	default:
		return http.StatusInternalServerError, codeInternalError, "internal error"
	}
}

func rootMessage(err error) string {
	return errors.UnwrapAll(err).Error()
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classifyError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context(), h.logger).WithError(err).WithField("code", code).Error("request failed")
	}
	writeError(w, status, code, msg)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/idempotency"
	"github.com/robertarktes/event-reservations/internal/identity"
	"github.com/robertarktes/event-reservations/internal/observability"
)

// Engine is the booking surface the API exposes.
type Engine interface {
	CreateEvent(ctx context.Context, in domain.NewEventInput) (domain.Event, error)
	UpdateEvent(ctx context.Context, id uuid.UUID, u domain.EventUpdate) (domain.Event, error)
	CancelEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	ListEvents(ctx context.Context) ([]domain.Event, error)
	Book(ctx context.Context, req booking.BookRequest) (domain.Booking, error)
	CancelBooking(ctx context.Context, eventID uuid.UUID, userID string) (domain.Occupancy, error)
	GetBooking(ctx context.Context, eventID uuid.UUID, userID string) (domain.Reservation, error)
	GetOccupancy(ctx context.Context, id uuid.UUID) (domain.Occupancy, error)
	SubscribeOccupancy(ctx context.Context, id uuid.UUID) (domain.Occupancy, <-chan domain.Occupancy, error)
}

// Checker is a readiness dependency.
type Checker interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	engine    Engine
	idemp     *idempotency.Idempotency
	logger    observability.Logger
	checks    map[string]Checker
	heartbeat time.Duration
}

func NewHandlers(engine Engine, idemp *idempotency.Idempotency, logger observability.Logger, checks map[string]Checker) *Handlers {
	return &Handlers{
		engine:    engine,
		idemp:     idemp,
		logger:    logger,
		checks:    checks,
		heartbeat: 15 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.ListEvents(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	e, err := h.engine.GetEvent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(e))
}

// CreateEvent stores its first response under the caller's Idempotency-Key
// and replays it for repeats. Server errors release the key.
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	key := "events:" + principal(r).UserID + ":" + strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if h.idemp != nil {
		stored, err := h.idemp.Begin(r.Context(), key)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if stored != nil {
			w.Header().Set("Idempotent-Replayed", "true")
			w.Header().Set("Content-Type", stored.ContentType)
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	status, body := h.createEvent(r)
	if h.idemp != nil {
		ctx := context.WithoutCancel(r.Context())
		var err error
		if status >= http.StatusInternalServerError {
			err = h.idemp.Abort(ctx, key)
		} else {
			err = h.idemp.Complete(ctx, key, idempotency.Response{Status: status, ContentType: "application/json", Body: body})
		}
		if err != nil {
			LoggerFrom(r.Context(), h.logger).WithError(err).Warn("idempotency bookkeeping failed")
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handlers) createEvent(r *http.Request) (int, []byte) {
	var req createEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return http.StatusBadRequest, errorBody(codeInvalidRequestBody, "invalid request body")
	}
	in, err := req.input()
	if err != nil {
		return http.StatusBadRequest, errorBody(codeInvalidInput, err.Error())
	}

	e, err := h.engine.CreateEvent(r.Context(), in)
	if err != nil {
		status, code, msg := classifyError(err)
		if status == http.StatusInternalServerError {
			LoggerFrom(r.Context(), h.logger).WithError(err).Error("create event failed")
		}
		return status, errorBody(code, msg)
	}
	LoggerFrom(r.Context(), h.logger).WithField("event_id", e.ID).Info("event created")

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(toEventResponse(e)); err != nil {
		return http.StatusInternalServerError, errorBody(codeInternalError, "internal error")
	}
	return http.StatusCreated, buf.Bytes()
}

func (h *Handlers) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	var req updateEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	u, err := req.update()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}

	e, err := h.engine.UpdateEvent(r.Context(), id, u)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	LoggerFrom(r.Context(), h.logger).WithField("event_id", e.ID).WithField("version", e.Version).Info("event updated")
	writeJSON(w, http.StatusOK, toEventResponse(e))
}

func (h *Handlers) CancelEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	e, err := h.engine.CancelEvent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(e))
}

func (h *Handlers) GetOccupancy(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	occ, err := h.engine.GetOccupancy(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// StreamOccupancy sends the current occupancy and every later change as
// Server-Sent Events until the client goes away.
func (h *Handlers) StreamOccupancy(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeStreamUnsupported, "streaming unsupported")
		return
	}

	current, updates, err := h.engine.SubscribeOccupancy(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, current); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case occ, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSSE(w, occ); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, occ domain.Occupancy) error {
	data, err := json.Marshal(occ)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: occupancy\ndata: %s\n\n", occ.Version, data)
	return err
}

func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	b, err := h.engine.Book(r.Context(), booking.BookRequest{
		EventID:        id,
		UserID:         principal(r).UserID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if b.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, toBookingResponse(b))
}

func (h *Handlers) GetMyBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.engine.GetBooking(r.Context(), id, principal(r).UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handlers) CancelMyBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	occ, err := h.engine.CancelBooking(r.Context(), id, principal(r).UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": domain.ReservationCancelled, "occupancy": occ})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		LoggerFrom(r.Context(), h.logger).WithField("failed", failed).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "code": codeNotReady, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, codeNotFound, "not found")
}

func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

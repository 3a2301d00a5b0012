package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/event-reservations/internal/adapters/memory"
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/idempotency"
	"github.com/robertarktes/event-reservations/internal/identity"
	"github.com/robertarktes/event-reservations/internal/notify"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/rateLimit"
)

const testSecret = "router-test-secret"

func token(t *testing.T, sub, role string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + raw
}

type testAPI struct {
	t      *testing.T
	router http.Handler
	admin  string
}

func newTestAPI(t *testing.T, engine Engine, limiter *rateLimit.RateLimiter, limits RateLimits) *testAPI {
	t.Helper()
	logger := observability.NewNopLogger()
	h := NewHandlers(engine, idempotency.NewIdempotency(idempotency.NewLocalBackend(), time.Hour), logger, map[string]Checker{})
	h.heartbeat = 50 * time.Millisecond
	router := SetupRouter(h, RouterDeps{
		Logger:      logger,
		Verifier:    identity.NewVerifier(testSecret),
		RateLimiter: limiter,
		Limits:      limits,
	})
	return &testAPI{t: t, router: router, admin: token(t, "ops", identity.RoleAdmin)}
}

func newEngineAPI(t *testing.T) *testAPI {
	coord := booking.NewCoordinator(memory.NewStore(), notify.NewHub())
	return newTestAPI(t, coord, nil, RateLimits{})
}

func (a *testAPI) do(method, path, auth, idemKey, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createEvent(capacity int) eventResponse {
	a.t.Helper()
	body := `{"title":"Board games","capacity":` + strconv.Itoa(capacity) + `,"scheduled_at":"` +
		time.Now().Add(48*time.Hour).UTC().Format(time.RFC3339) + `"}`
	rec := a.do(http.MethodPost, "/v1/events", a.admin, uuid.NewString(), body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var e eventResponse
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestHealthzIsPublic(t *testing.T) {
	api := newEngineAPI(t)
	rec := api.do(http.MethodGet, "/v1/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/v1/readyz", "", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	api := newEngineAPI(t)

	rec := api.do(http.MethodGet, "/v1/events", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthorized, decodeError(t, rec).Code)

	rec = api.do(http.MethodGet, "/v1/events", "Bearer nonsense", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateEvent(t *testing.T) {
	api := newEngineAPI(t)
	future := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	valid := `{"title":"Talk","capacity":10,"scheduled_at":"` + future + `"}`

	rec := api.do(http.MethodPost, "/v1/events", token(t, "user-a", ""), "k1", valid)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/v1/events", api.admin, "", valid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeIdempotencyRequired, decodeError(t, rec).Code)

	rec = api.do(http.MethodPost, "/v1/events", api.admin, "bad-body", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequestBody, decodeError(t, rec).Code)

	rec = api.do(http.MethodPost, "/v1/events", api.admin, "zero", `{"title":"Talk","capacity":0,"scheduled_at":"`+future+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidCapacity, decodeError(t, rec).Code)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = api.do(http.MethodPost, "/v1/events", api.admin, "past", `{"title":"Talk","capacity":3,"scheduled_at":"`+past+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidScheduledAt, decodeError(t, rec).Code)

	first := api.do(http.MethodPost, "/v1/events", api.admin, "create-1", valid)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	again := api.do(http.MethodPost, "/v1/events", api.admin, "create-1", valid)
	assert.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), again.Body.String())

	list := api.do(http.MethodGet, "/v1/events", api.admin, "", "")
	require.Equal(t, http.StatusOK, list.Code)
	var body struct {
		Events []eventResponse `json:"events"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	assert.Len(t, body.Events, 1, "replayed create must not add an event")
}

func TestBookingFlow(t *testing.T) {
	api := newEngineAPI(t)
	e := api.createEvent(1)
	path := "/v1/events/" + e.ID.String()
	alice := token(t, "alice", "")
	bob := token(t, "bob", "")

	rec := api.do(http.MethodPost, path+"/bookings", alice, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, path+"/bookings", alice, "a-1", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b bookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, "alice", b.Reservation.UserID)
	assert.Equal(t, 1, b.Occupancy.Occupancy)
	assert.Equal(t, domain.LifecycleFull, b.Occupancy.Lifecycle)

	rec = api.do(http.MethodPost, path+"/bookings", alice, "a-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))

	rec = api.do(http.MethodPost, path+"/bookings", alice, "a-2", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_booked", decodeError(t, rec).Code)

	rec = api.do(http.MethodPost, path+"/bookings", bob, "b-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "event_full", decodeError(t, rec).Code)

	rec = api.do(http.MethodGet, path+"/bookings/me", alice, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodDelete, path+"/bookings/me", alice, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, path+"/bookings/me", alice, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeBookingNotFound, decodeError(t, rec).Code)

	rec = api.do(http.MethodPost, path+"/bookings", bob, "b-1", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, path+"/occupancy", bob, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var occ domain.Occupancy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &occ))
	assert.Equal(t, 1, occ.Occupancy)
}

func TestCancelEvent(t *testing.T) {
	api := newEngineAPI(t)
	e := api.createEvent(5)
	path := "/v1/events/" + e.ID.String()
	alice := token(t, "alice", "")

	rec := api.do(http.MethodPost, path+"/bookings", alice, "a-1", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodPost, path+"/cancel", alice, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, path+"/cancel", api.admin, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.LifecycleCancelled, got.Lifecycle)
	assert.Equal(t, 0, got.Occupancy)

	rec = api.do(http.MethodPost, path+"/cancel", api.admin, "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeEventAlreadyCancelled, decodeError(t, rec).Code)

	rec = api.do(http.MethodPost, path+"/bookings", alice, "a-2", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "event_cancelled", decodeError(t, rec).Code)
}

func TestUpdateEvent(t *testing.T) {
	api := newEngineAPI(t)
	e := api.createEvent(5)
	path := "/v1/events/" + e.ID.String()
	alice := token(t, "alice", "")
	later := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)

	body := `{"title":"Board games XL","price_cents":1200,"scheduled_at":"` + later.Format(time.RFC3339) + `"}`
	rec := api.do(http.MethodPatch, path, alice, "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPatch, path, api.admin, "", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Board games XL", got.Title)
	assert.Equal(t, int64(1200), got.PriceCents)
	assert.True(t, later.Equal(got.ScheduledAt))
	assert.Equal(t, 5, got.Capacity)
	assert.Equal(t, e.Version+1, got.Version)

	rec = api.do(http.MethodPatch, path, api.admin, "", `{"capacity":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequestBody, decodeError(t, rec).Code)

	rec = api.do(http.MethodPatch, path, api.admin, "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidInput, decodeError(t, rec).Code)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = api.do(http.MethodPatch, path, api.admin, "", `{"scheduled_at":"`+past+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidScheduledAt, decodeError(t, rec).Code)

	rec = api.do(http.MethodPatch, "/v1/events/"+uuid.NewString(), api.admin, "", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, path+"/cancel", api.admin, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodPatch, path, api.admin, "", `{"title":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeEventAlreadyCancelled, decodeError(t, rec).Code)
}

func TestStreamWithoutNotifier(t *testing.T) {
	api := newTestAPI(t, booking.NewCoordinator(memory.NewStore(), nil), nil, RateLimits{})
	e := api.createEvent(2)

	rec := api.do(http.MethodGet, "/v1/events/"+e.ID.String()+"/occupancy/stream", token(t, "alice", ""), "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, codeStreamUnavailable, decodeError(t, rec).Code)
}

func TestEventLookupErrors(t *testing.T) {
	api := newEngineAPI(t)
	alice := token(t, "alice", "")

	rec := api.do(http.MethodGet, "/v1/events/not-a-uuid", alice, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidID, decodeError(t, rec).Code)

	rec = api.do(http.MethodGet, "/v1/events/"+uuid.NewString(), alice, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeEventNotFound, decodeError(t, rec).Code)

	rec = api.do(http.MethodGet, "/v1/nowhere", alice, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type contendedEngine struct {
	Engine
}

func (contendedEngine) Book(context.Context, booking.BookRequest) (domain.Booking, error) {
	return domain.Booking{}, errors.Mark(errors.New("booking not settled after 5 attempts"), domain.ErrRetryExhausted)
}

func TestTransientFailureAdvertisesRetry(t *testing.T) {
	api := newTestAPI(t, contendedEngine{}, nil, RateLimits{})

	rec := api.do(http.MethodPost, "/v1/events/"+uuid.NewString()+"/bookings", token(t, "alice", ""), "k", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Equal(t, codeContention, decodeError(t, rec).Code)
}

type countingCounter struct {
	mu   sync.Mutex
	hits map[string]int64
}

func (c *countingCounter) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[key]++
	return c.hits[key], nil
}

func TestRateLimited(t *testing.T) {
	limiter := rateLimit.NewRateLimiter(&countingCounter{hits: map[string]int64{}}, observability.NewNopLogger())
	coord := booking.NewCoordinator(memory.NewStore(), notify.NewHub())
	api := newTestAPI(t, coord, limiter, RateLimits{PerUser: 2, PerIP: 100, Period: time.Minute})
	alice := token(t, "alice", "")

	for i := 0; i < 2; i++ {
		rec := api.do(http.MethodGet, "/v1/events", alice, "", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := api.do(http.MethodGet, "/v1/events", alice, "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = api.do(http.MethodGet, "/v1/events", token(t, "bob", ""), "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamOccupancy(t *testing.T) {
	api := newEngineAPI(t)
	e := api.createEvent(3)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/"+e.ID.String()+"/occupancy/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", token(t, "watcher", ""))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan domain.Occupancy, 4)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var occ domain.Occupancy
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &occ) == nil {
				events <- occ
			}
		}
	}()

	first := <-events
	assert.Equal(t, 0, first.Occupancy)

	rec := api.do(http.MethodPost, "/v1/events/"+e.ID.String()+"/bookings", token(t, "alice", ""), "a-1", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case next := <-events:
		assert.Equal(t, 1, next.Occupancy)
		assert.Greater(t, next.Version, first.Version)
	case <-ctx.Done():
		t.Fatal("no occupancy event streamed")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := newEngineAPI(t)
	api.do(http.MethodGet, "/v1/healthz", "", "", "")
	rec := api.do(http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evr_requests_total")
}

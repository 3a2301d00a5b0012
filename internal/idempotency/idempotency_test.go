package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginCompleteReplay(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(NewLocalBackend(), time.Hour)

	resp, err := idem.Begin(ctx, "admin:k1")
	require.NoError(t, err)
	require.Nil(t, resp, "first caller owns the key")

	_, err = idem.Begin(ctx, "admin:k1")
	assert.True(t, errors.Is(err, ErrInProgress))

	stored := Response{Status: http.StatusCreated, ContentType: "application/json", Body: []byte(`{"id":"x"}`)}
	require.NoError(t, idem.Complete(ctx, "admin:k1", stored))

	resp, err = idem.Begin(ctx, "admin:k1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stored, *resp)
}

func TestAbortReleasesKey(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(NewLocalBackend(), time.Hour)

	_, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, idem.Abort(ctx, "k"))

	resp, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCompleteRequiresStatus(t *testing.T) {
	idem := NewIdempotency(NewLocalBackend(), time.Hour)
	assert.Error(t, idem.Complete(context.Background(), "k", Response{}))
}

func TestLocalBackendExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewLocalBackend()
	b.now = func() time.Time { return now }

	ok, err := b.SetNX(ctx, "k", Response{Status: 200}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	resp, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)

	ok, err = b.SetNX(ctx, "k", Response{}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type brokenBackend struct{ LocalBackend }

func (*brokenBackend) SetNX(context.Context, string, Response, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestBeginPropagatesBackendError(t *testing.T) {
	idem := NewIdempotency(&brokenBackend{}, time.Hour)
	_, err := idem.Begin(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInProgress))
}

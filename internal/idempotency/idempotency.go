// Package idempotency caches the first response produced under an
// Idempotency-Key so a retried request gets the same answer. It backs
// administrative writes; bookings carry their own key into the ledger.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrInProgress = errors.New("a request with this idempotency key is still in progress")

// Response is what gets replayed. Status 0 marks a claimed key whose
// response is not stored yet.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (r Response) Pending() bool {
	return r.Status == 0
}

type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	SetNX(ctx context.Context, key string, resp Response, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
	// claimTTL bounds how long a crashed request can hold a key.
	claimTTL time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{backend: backend, ttl: ttl, claimTTL: time.Minute}
}

// Begin claims key. It returns the stored response when the key already
// completed, ErrInProgress when another request holds it, and (nil, nil)
// when the caller now owns the key and must call Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	claimed, err := i.backend.SetNX(ctx, key, Response{}, i.claimTTL)
	if err != nil {
		return nil, errors.Wrap(err, "claim idempotency key")
	}
	if claimed {
		return nil, nil
	}

	resp, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency key")
	}
	if resp == nil {
		// Expired between the claim and the read; try once more.
		claimed, err = i.backend.SetNX(ctx, key, Response{}, i.claimTTL)
		if err != nil {
			return nil, errors.Wrap(err, "claim idempotency key")
		}
		if claimed {
			return nil, nil
		}
		return nil, ErrInProgress
	}
	if resp.Pending() {
		return nil, ErrInProgress
	}
	return resp, nil
}

func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	if resp.Pending() {
		return errors.New("cannot store a response without status")
	}
	return errors.Wrap(i.backend.Set(ctx, key, resp, i.ttl), "store idempotent response")
}

// Abort releases the claim so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return errors.Wrap(i.backend.Delete(ctx, key), "release idempotency key")
}

package idempotency

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	resp    Response
	expires time.Time
}

// LocalBackend keeps keys in process memory. It serves single-instance
// deployments without Redis, and tests.
type LocalBackend struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{entries: make(map[string]localEntry), now: time.Now}
}

func (b *LocalBackend) getLocked(key string) (localEntry, bool) {
	e, ok := b.entries[key]
	if ok && !b.now().Before(e.expires) {
		delete(b.entries, key)
		return localEntry{}, false
	}
	return e, ok
}

func (b *LocalBackend) Get(_ context.Context, key string) (*Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.getLocked(key)
	if !ok {
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (b *LocalBackend) SetNX(_ context.Context, key string, resp Response, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.getLocked(key); ok {
		return false, nil
	}
	b.entries[key] = localEntry{resp: resp, expires: b.now().Add(ttl)}
	return true, nil
}

func (b *LocalBackend) Set(_ context.Context, key string, resp Response, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = localEntry{resp: resp, expires: b.now().Add(ttl)}
	return nil
}

func (b *LocalBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Package notify fans occupancy updates out to in-process subscribers.
//
// Each subscriber has a one-slot mailbox. A publish replaces an unread value
// instead of queueing behind it, and values whose version is not newer than
// the last one accepted are dropped. A slow reader therefore never blocks a
// publisher and always ends up holding the latest occupancy.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
)

type subscriber struct {
	ch   chan domain.Occupancy
	last int64
}

type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

// Subscribe registers for updates of one event. The channel is closed when
// ctx is done.
func (h *Hub) Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan domain.Occupancy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{ch: make(chan domain.Occupancy, 1), last: -1}

	h.mu.Lock()
	set, ok := h.subs[eventID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[eventID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	observability.Subscribers.Inc()

	go func() {
		<-ctx.Done()
		h.remove(eventID, sub)
	}()
	return sub.ch, nil
}

func (h *Hub) remove(eventID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[eventID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, eventID)
	}
	close(sub.ch)
	observability.Subscribers.Dec()
}

// Publish never blocks.
func (h *Hub) Publish(_ context.Context, update domain.Occupancy) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[update.EventID] {
		if update.Version <= sub.last {
			continue
		}
		sub.last = update.Version
		select {
		case sub.ch <- update:
			continue
		default:
		}
		// Mailbox holds an older value; swap it for this one.
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- update
	}
	return nil
}

// Subscribers reports how many subscriptions are open for an event.
func (h *Hub) Subscribers(eventID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[eventID])
}

package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys, also stored as the record's event type.
const (
	EventOccupancyChanged = "occupancy.changed"
)

const AggregateEvent = "event"

type Status string

const (
	StatusNew       Status = "NEW"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Record is one message written in the same transaction as the state change
// it describes. DedupeKey becomes the broker message id.
type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        Status
	DedupeKey     string
}

// BatchResult summarises one relay pass.
type BatchResult struct {
	Relayed int
	Failed  int
	Oldest  time.Time
}

package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-reservations/internal/booking"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const auditCollection = "audit_logs"

// AuditLogger is the booking.AuditSink backed by the audit_logs collection.
type AuditLogger struct {
	coll *mongo.Collection
}

func NewAuditLogger(db *mongo.Database) *AuditLogger {
	return &AuditLogger{coll: db.Collection(auditCollection)}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	EventID   string    `bson:"event_id"`
	UserID    string    `bson:"user_id,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data,omitempty"`
}

func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("audit_event_time"),
	})
	return errors.Wrap(err, "create audit index")
}

func (a *AuditLogger) Record(ctx context.Context, entry booking.AuditEntry) error {
	_, err := a.coll.InsertOne(ctx, toAuditLog(entry))
	return errors.Wrapf(err, "insert audit log %s", entry.Action)
}

func toAuditLog(entry booking.AuditEntry) AuditLog {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return AuditLog{
		ID:        uuid.NewString(),
		Action:    string(entry.Action),
		EventID:   entry.EventID.String(),
		UserID:    entry.UserID,
		Timestamp: at,
		Data:      bson.M(entry.Data),
	}
}

// Recent returns the latest entries for an event, newest first.
func (a *AuditLogger) Recent(ctx context.Context, eventID uuid.UUID, limit int64) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"event_id": eventID.String()},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	logs := []AuditLog{}
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}

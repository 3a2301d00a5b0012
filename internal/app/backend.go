// Package app opens the storage backends selected by configuration and is
// shared by the binaries under cmd/.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/event-reservations/internal/adapters/crdb"
	"github.com/robertarktes/event-reservations/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/event-reservations/internal/adapters/mongo"
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/config"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/reconcile"
)

const connectTimeout = 10 * time.Second

// Store is what every backend provides.
type Store interface {
	booking.Store
	reconcile.Source
	Ping(ctx context.Context) error
}

type Backend struct {
	Store Store

	// CRDB is set only for the crdb backend; it also owns the outbox.
	CRDB *crdb.Repository
	Pool *pgxpool.Pool

	// Audit is set whenever MONGO_URI is configured, whatever the store.
	Audit *mongoadapter.AuditLogger

	closers []func()
}

// Open connects to the configured backend. Close must be called even when
// Open fails part way.
func Open(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Backend, error) {
	b := &Backend{}

	var mongoDB *mongo.Database
	if cfg.MongoURI != "" {
		db, err := b.connectMongo(ctx, cfg)
		if err != nil {
			return b, err
		}
		mongoDB = db
		b.Audit = mongoadapter.NewAuditLogger(db)
		if err := b.Audit.EnsureIndexes(ctx); err != nil {
			return b, err
		}
	}

	switch cfg.StoreBackend {
	case config.BackendCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return b, errors.Wrap(err, "connect to crdb")
		}
		b.closers = append(b.closers, pool.Close)
		b.Pool = pool
		b.CRDB = crdb.NewRepository(pool)
		b.Store = b.CRDB
	case config.BackendMongo:
		store := mongoadapter.NewStore(mongoDB.Client(), mongoDB, logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			return b, err
		}
		b.Store = store
	case config.BackendMemory:
		logger.Warn("using the in-memory store; state is lost on restart")
		b.Store = memory.NewStore()
	default:
		return b, errors.Newf("unknown store backend %q", cfg.StoreBackend)
	}
	return b, nil
}

func (b *Backend) connectMongo(ctx context.Context, cfg *config.Config) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	b.closers = append(b.closers, func() {
		_ = client.Disconnect(context.Background())
	})
	return client.Database(cfg.MongoDB), nil
}

// AuditSink returns the audit sink as the interface the coordinator takes, or
// nil when none is configured.
func (b *Backend) AuditSink() booking.AuditSink {
	if b.Audit == nil {
		return nil
	}
	return b.Audit
}

func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	BackendCRDB   = "crdb"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr     string
	MetricsAddr  string
	StoreBackend string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTSecret    string
	OTLPEndpoint string
	LogLevel     string

	Booking BookingConfig

	IdempotencyTTL   time.Duration
	RateLimitPerUser int
	RateLimitPerIP   int

	OutboxInterval    time.Duration
	OutboxBatch       int
	ReconcileInterval time.Duration
}

type BookingConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Timeout        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getString("HTTP_ADDR", ":8080"),
		MetricsAddr:  getString("METRICS_ADDR", ":9100"),
		StoreBackend: getString("STORE_BACKEND", BackendCRDB),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getString("MONGO_DB", "evr"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getString("LOG_LEVEL", "info"),
	}

	p := parser{}
	cfg.Booking.MaxAttempts = p.intVar("BOOKING_MAX_ATTEMPTS", 5)
	cfg.Booking.AttemptTimeout = p.durationVar("BOOKING_ATTEMPT_TIMEOUT", 2*time.Second)
	cfg.Booking.Timeout = p.durationVar("BOOKING_TIMEOUT", 10*time.Second)
	cfg.Booking.BackoffInitial = p.durationVar("BOOKING_BACKOFF_INITIAL", 10*time.Millisecond)
	cfg.Booking.BackoffMax = p.durationVar("BOOKING_BACKOFF_MAX", 200*time.Millisecond)
	cfg.IdempotencyTTL = p.durationVar("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.RateLimitPerUser = p.intVar("RATE_LIMIT_PER_USER", 60)
	cfg.RateLimitPerIP = p.intVar("RATE_LIMIT_PER_IP", 300)
	cfg.OutboxInterval = p.durationVar("OUTBOX_INTERVAL", time.Second)
	cfg.OutboxBatch = p.intVar("OUTBOX_BATCH", 100)
	cfg.ReconcileInterval = p.durationVar("RECONCILE_INTERVAL", time.Minute)
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo backend")
		}
	case BackendMemory:
		// Single instance only: one process-wide lock, state in process.
		if c.RabbitURL != "" {
			return errors.New("RABBIT_URL cannot be used with the memory backend; it is single-instance only")
		}
	default:
		return errors.Newf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Booking.MaxAttempts < 1 {
		return errors.New("BOOKING_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) intVar(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(errors.Wrapf(err, "parse %s", key))
		return def
	}
	return n
}

func (p *parser) durationVar(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(errors.Wrapf(err, "parse %s", key))
		return def
	}
	return d
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// Package store provides storage backends for CallPipe.
//
// A backend keeps three things: the opaque per-call state blob with a TTL,
// the turn ledger used to replay redelivered turns, and the archive of ended
// calls. In-memory, SQLite, PostgreSQL and Redis backends are available.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StateStore holds the serialized ConversationState of live calls.
type StateStore interface {
	// GetState returns the blob for sessionID. found is false when no live state exists.
	GetState(ctx context.Context, sessionID string) (blob []byte, found bool, err error)
	// PutState writes the blob. A ttl of zero keeps it until deleted.
	PutState(ctx context.Context, sessionID string, blob []byte, ttl time.Duration) error
	// DeleteState removes the blob. Deleting a missing session is not an error.
	DeleteState(ctx context.Context, sessionID string) error
}

// TurnLedger remembers the response produced for each delivered turn so a
// redelivery replays it instead of advancing the conversation twice.
type TurnLedger interface {
	// LookupTurn returns the recorded response for a turn key.
	LookupTurn(ctx context.Context, sessionID, turnKey string) (response []byte, found bool, err error)
	// RecordTurn stores the response for a turn key. The first record wins.
	RecordTurn(ctx context.Context, sessionID, turnKey string, response []byte) error
}

// CallRecord is the archived final state of an ended call.
type CallRecord struct {
	SessionID string    `json:"sessionId"`
	TenantID  string    `json:"tenantId"`
	Reason    string    `json:"reason,omitempty"`
	TurnCount int       `json:"turnCount"`
	State     []byte    `json:"state,omitempty"`
	EndedAt   time.Time `json:"endedAt"`
}

// CallArchive keeps ended calls for review.
type CallArchive interface {
	ArchiveCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, sessionID string) (CallRecord, bool, error)
}

// Store is the full storage surface used by the turn service.
type Store interface {
	StateStore
	TurnLedger
	CallArchive
	Close() error
}

// Purger is implemented by backends that need expired rows removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Defaults for ledger retention.
const (
	DefaultLedgerTTL  = 24 * time.Hour
	DefaultArchiveTTL = 30 * 24 * time.Hour
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN           string
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	LedgerTTL     time.Duration
	ArchiveTTL    time.Duration
	Now           func() time.Time
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverPostgres
	}
}

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverSQLite
	}
}

// WithRedisAddr selects Redis at host:port.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRedisPassword sets the Redis AUTH password.
func WithRedisPassword(password string) Option {
	return func(o *Opts) { o.RedisPassword = password }
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) Option {
	return func(o *Opts) { o.RedisDB = db }
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// WithLedgerTTL sets how long turn ledger entries are kept.
func WithLedgerTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.LedgerTTL = ttl }
}

// WithArchiveTTL sets how long archived calls are kept in Redis.
func WithArchiveTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.ArchiveTTL = ttl }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		LedgerTTL:  DefaultLedgerTTL,
		ArchiveTTL: DefaultArchiveTTL,
		KeyPrefix:  "callpipe",
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Driver names returned by DetectDSNType.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DetectDSNType returns the database driver implied by a DSN.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// New opens the backend selected by opts: Redis when an address is set,
// then the SQL driver of the DSN, otherwise in-memory.
func New(opts ...Option) (Store, error) {
	cfg := buildOpts(opts)
	switch {
	case cfg.RedisAddr != "":
		slog.Debug("store.New: using Redis store", "addr", cfg.RedisAddr)
		return NewRedisStore(opts...)
	case cfg.DSN != "" && (cfg.Driver == DriverPostgres || cfg.Driver == "" && DetectDSNType(cfg.DSN) == DriverPostgres):
		slog.Debug("store.New: using Postgres store")
		return NewPostgresStore(opts...)
	case cfg.DSN != "":
		slog.Debug("store.New: using SQLite store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	default:
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(opts...), nil
	}
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC()
	return &t
}

func requireSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}

// Package store provides storage backends for InnerGuide.
//
// Every backend implements UserStore: a per-user profile, an append-only message log
// and a bounded list of snapshots taken whenever the log is cleared. Backends are an
// in-memory map, SQLite, PostgreSQL, Redis and DynamoDB.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// DefaultMaxBackups is the number of snapshots kept per user and kind.
const DefaultMaxBackups = 10

var (
	// ErrBackupNotFound is returned when restoring a key that has no profile snapshot.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrStoreNotConfigured is returned by Connect in strict mode when no backend is set.
	ErrStoreNotConfigured = errors.New("no store backend configured")
)

// UserStore persists user profiles and conversation logs. Implementations must be
// safe for concurrent use across different users.
type UserStore interface {
	// GetUserData returns the profile and the full message log.
	GetUserData(ctx context.Context, userID string) (*models.UserData, error)
	// GetUser returns the stored profile, or models.DefaultProfile when absent. Never nil.
	GetUser(ctx context.Context, userID string) (*models.UserProfile, error)
	// SaveUser overwrites the stored profile.
	SaveUser(ctx context.Context, profile *models.UserProfile) error
	// AddMessage appends msg to the durable log of msg.UserID.
	AddMessage(ctx context.Context, msg models.Message) error
	// GetMessageHistory returns the full log, oldest first.
	GetMessageHistory(ctx context.Context, userID string) ([]models.Message, error)
	// ClearMessageHistory snapshots the profile and log, then clears the log and
	// resets the profile.
	ClearMessageHistory(ctx context.Context, userID string) error
	// GetBackups returns snapshot keys for userID, newest first.
	GetBackups(ctx context.Context, userID string) ([]string, error)
	// RestoreFromBackup restores the profile, and the log when one was saved.
	RestoreFromBackup(ctx context.Context, backupKey string) error
	// GetActiveUsers returns every stored profile.
	GetActiveUsers(ctx context.Context) ([]models.UserProfile, error)
	// Disconnect releases the underlying connection.
	Disconnect() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN         string // SQLite file path or PostgreSQL connection string
	RedisURL    string // redis:// or rediss:// URL
	DynamoTable string // DynamoDB table name
	MaxBackups  int    // snapshots kept per user; DefaultMaxBackups when zero
	Strict      bool   // fail instead of falling back to memory
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the SQL connection string. The driver is chosen by DetectDSNType.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL selects the Redis backend.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithDynamoDBTable selects the DynamoDB backend.
func WithDynamoDBTable(table string) Option {
	return func(o *Opts) { o.DynamoTable = table }
}

// WithMaxBackups overrides DefaultMaxBackups.
func WithMaxBackups(n int) Option {
	return func(o *Opts) { o.MaxBackups = n }
}

// WithStrict disables the fallback to the in-memory store.
func WithStrict() Option {
	return func(o *Opts) { o.Strict = true }
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3"
// for everything else. The values double as database/sql driver names.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Connect opens the configured backend. Redis wins over DynamoDB, which wins over a
// SQL DSN. When nothing is configured, or the configured backend cannot be reached,
// the in-memory store is returned instead unless WithStrict is set.
func Connect(ctx context.Context, opts ...Option) (UserStore, error) {
	cfg := applyOpts(opts)

	var (
		st      UserStore
		err     error
		backend string
	)
	switch {
	case cfg.RedisURL != "":
		backend = "redis"
		st, err = NewRedisStore(ctx, opts...)
	case cfg.DynamoTable != "":
		backend = "dynamodb"
		st, err = NewDynamoDBStore(ctx, opts...)
	case cfg.DSN != "" && DetectDSNType(cfg.DSN) == "postgres":
		backend = "postgres"
		st, err = NewPostgresStore(opts...)
	case cfg.DSN != "":
		backend = "sqlite"
		st, err = NewSQLiteStore(opts...)
	default:
		if cfg.Strict {
			return nil, ErrStoreNotConfigured
		}
		slog.Info("store.Connect: no backend configured, using in-memory store")
		return NewInMemoryStore(opts...), nil
	}

	if err != nil {
		if cfg.Strict {
			return nil, err
		}
		slog.Error("store.Connect: backend unavailable, falling back to in-memory store", "backend", backend, "error", err)
		return NewInMemoryStore(opts...), nil
	}
	slog.Info("store.Connect: connected", "backend", backend)
	return st, nil
}

// resetProfile returns the profile a user gets after their history is cleared.
func resetProfile(prev *models.UserProfile) *models.UserProfile {
	fresh := models.DefaultProfile(prev.ID)
	fresh.Language = prev.Language
	fresh.Username = prev.Username
	fresh.IsBot = prev.IsBot
	fresh.Normalize()
	return fresh
}

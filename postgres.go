package cookiesession

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	owner_id BIGINT NOT NULL,
	data JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

// PostgreSQLStore implements the Store interface on PostgreSQL.
type PostgreSQLStore struct {
	*sqlStore
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxSessionBytes int
	CleanupInterval time.Duration // Defaults to 10 minutes. Negative disables the background cleanup.
	Now             func() time.Time
	Logger          *zerolog.Logger
}

// NewPostgreSQLStore creates a new PostgreSQL store with default configuration.
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a new PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping postgresql database: %v", ErrStoreUnavailable, err)
	}

	store, err := newSQLStore(db, sqlDialect{
		schema:    postgresSchema,
		rebind:    rebindDollar,
		forUpdate: " FOR UPDATE",
	}, sqlOptions{
		maxSessionBytes: cfg.MaxSessionBytes,
		cleanupInterval: cfg.CleanupInterval,
		now:             cfg.Now,
		logger:          cfg.Logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PostgreSQLStore{store}, nil
}

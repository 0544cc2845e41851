package cookiesession

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	owner_id INTEGER NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

// SQLiteStore implements the Store interface on SQLite (CGO-free driver).
type SQLiteStore struct {
	*sqlStore
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxSessionBytes int
	CleanupInterval time.Duration // Defaults to 10 minutes. Negative disables the background cleanup.
	Now             func() time.Time
	Logger          *zerolog.Logger
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	// PRAGMAs go into the DSN so they apply to every connection in the pool.
	cfg.DSN = withPragma(cfg.DSN, "synchronous", "NORMAL")
	cfg.DSN = withPragma(cfg.DSN, "busy_timeout", "5000")

	// Every connection to :memory: opens its own database.
	if strings.Contains(cfg.DSN, ":memory:") {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
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

	// WAL is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store, err := newSQLStore(db, sqlDialect{
		schema:    sqliteSchema,
		rebind:    rebindQuestion,
		serialize: true,
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
	return &SQLiteStore{store}, nil
}

func withPragma(dsn, name, value string) string {
	if strings.Contains(dsn, name) {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s=%s", dsn, separator, name, value)
}

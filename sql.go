package cookiesession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	schema    string
	rebind    func(string) string
	forUpdate string // Row lock suffix for read-modify-write transactions.
	serialize bool   // Serialize writes in process (SQLite allows a single writer).
}

// sqlOptions are the settings shared by the SQL backends.
type sqlOptions struct {
	maxSessionBytes int
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *zerolog.Logger
}

// sqlStore implements Store on database/sql. Sessions live in one table; the indexed
// owner_id column serves as the per-owner index. Times are unix milliseconds and a NULL
// expires_at means the expiry is not tracked.
type sqlStore struct {
	db              *sql.DB
	mu              sync.Mutex
	serialize       bool
	forUpdate       string
	maxSessionBytes int
	now             func() time.Time
	sweeper         *sweeper

	createStmt      *sql.Stmt
	fetchStmt       *sql.Stmt
	expireStmt      *sql.Stmt
	expirationStmt  *sql.Stmt
	deleteStmt      *sql.Stmt
	deleteOwnerStmt *sql.Stmt
	lockStmt        *sql.Stmt
	updateDataStmt  *sql.Stmt
	cleanupStmt     *sql.Stmt
}

const liveSession = "session_key = ? AND (expires_at IS NULL OR expires_at > ?)"

func newSQLStore(db *sql.DB, d sqlDialect, opts sqlOptions) (*sqlStore, error) {
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.cleanupInterval == 0 {
		opts.cleanupInterval = 10 * time.Minute
	}

	s := &sqlStore{
		db:              db,
		serialize:       d.serialize,
		forUpdate:       d.forUpdate,
		maxSessionBytes: opts.maxSessionBytes,
		now:             opts.now,
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.createStmt, `
			INSERT INTO sessions (session_key, owner_id, data, created_at, expires_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(session_key) DO UPDATE SET
				owner_id = excluded.owner_id,
				data = excluded.data,
				created_at = excluded.created_at,
				expires_at = NULL`},
		{&s.fetchStmt, "SELECT owner_id, data FROM sessions WHERE " + liveSession},
		{&s.expireStmt, "UPDATE sessions SET expires_at = ? WHERE " + liveSession},
		{&s.expirationStmt, "SELECT expires_at FROM sessions WHERE " + liveSession},
		{&s.deleteStmt, "DELETE FROM sessions WHERE session_key = ?"},
		{&s.deleteOwnerStmt, "DELETE FROM sessions WHERE owner_id = ?"},
		{&s.lockStmt, "SELECT data FROM sessions WHERE " + liveSession + d.forUpdate},
		{&s.updateDataStmt, "UPDATE sessions SET data = ? WHERE session_key = ?"},
		{&s.cleanupStmt, "DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?"},
	}
	for _, st := range stmts {
		stmt, err := db.Prepare(d.rebind(st.query))
		if err != nil {
			s.closeStmts()
			return nil, fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.dst = stmt
	}

	s.sweeper = startSweeper(opts.cleanupInterval, s.Cleanup, loggerOrDefault(opts.logger))
	return s, nil
}

// lock serializes writers when the backend needs it.
func (s *sqlStore) lock() func() {
	if !s.serialize {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *sqlStore) nowMilli() int64 {
	return s.now().UnixMilli()
}

func (s *sqlStore) encode(attrs map[string]json.RawMessage) (string, error) {
	buf, err := marshalPooled(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode session data: %w", err)
	}
	defer PutBuffer(buf)

	if s.maxSessionBytes > 0 && buf.Len() > s.maxSessionBytes {
		return "", ErrSessionTooLarge
	}
	return buf.String(), nil
}

func (s *sqlStore) decode(data []byte) (map[string]json.RawMessage, error) {
	if s.maxSessionBytes > 0 && len(data) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}
	attrs := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return attrs, nil
	}
	if err := unmarshalPooled(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return attrs, nil
}

func (s *sqlStore) Create(ctx context.Context, key string, ownerID int64, attrs map[string]any) error {
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	data, err := s.encode(encoded)
	if err != nil {
		return err
	}

	defer s.lock()()
	if _, err := s.createStmt.ExecContext(ctx, key, ownerID, data, s.nowMilli()); err != nil {
		return sqlWriteErr(err)
	}
	return nil
}

func (s *sqlStore) Fetch(ctx context.Context, key string) (*Record, error) {
	var ownerID int64
	var data []byte

	err := s.fetchStmt.QueryRowContext(ctx, key, s.nowMilli()).Scan(&ownerID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found or expired
	}
	if err != nil {
		return nil, readErr(err)
	}

	encoded, err := s.decode(data)
	if err != nil {
		return nil, err
	}
	values, err := decodeAttributes(encoded)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, OwnerID: ownerID, Attributes: values}, nil
}

func (s *sqlStore) SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error {
	if ttl < 0 {
		return nil
	}
	if ttl == 0 {
		return s.Delete(ctx, key)
	}

	now := s.now()

	defer s.lock()()
	res, err := s.expireStmt.ExecContext(ctx, now.Add(ttl).UnixMilli(), key, now.UnixMilli())
	if err != nil {
		return sqlWriteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlWriteErr(err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *sqlStore) Expiration(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64

	now := s.now()
	err := s.expirationStmt.QueryRowContext(ctx, key, now.UnixMilli()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, readErr(err)
	}
	if !expiresAt.Valid {
		return NoExpiration, nil
	}
	return time.UnixMilli(expiresAt.Int64).Sub(now), nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	defer s.lock()()
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return sqlWriteErr(err)
	}
	return nil
}

func (s *sqlStore) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	defer s.lock()()
	if _, err := s.deleteOwnerStmt.ExecContext(ctx, ownerID); err != nil {
		return sqlWriteErr(err)
	}
	return nil
}

func (s *sqlStore) SetAttribute(ctx context.Context, key, name string, value any) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}

	return s.modify(ctx, key, func(attrs map[string]json.RawMessage) {
		attrs[name] = raw
	})
}

func (s *sqlStore) DeleteAttribute(ctx context.Context, key, name string) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}

	return s.modify(ctx, key, func(attrs map[string]json.RawMessage) {
		delete(attrs, name)
	})
}

// modify rewrites the attribute blob of a live session inside a transaction holding the row.
func (s *sqlStore) modify(ctx context.Context, key string, fn func(map[string]json.RawMessage)) error {
	defer s.lock()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlWriteErr(err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.StmtContext(ctx, s.lockStmt).QueryRowContext(ctx, key, s.nowMilli()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return sqlWriteErr(err)
	}

	attrs, err := s.decode(data)
	if err != nil {
		return err
	}
	fn(attrs)

	blob, err := s.encode(attrs)
	if err != nil {
		return err
	}

	if _, err := tx.StmtContext(ctx, s.updateDataStmt).ExecContext(ctx, blob, key); err != nil {
		return sqlWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return sqlWriteErr(err)
	}
	return nil
}

func (s *sqlStore) Cleanup(ctx context.Context) error {
	defer s.lock()()
	_, err := s.cleanupStmt.ExecContext(ctx, s.nowMilli())
	if err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return nil
}

func (s *sqlStore) closeStmts() {
	for _, stmt := range []*sql.Stmt{
		s.createStmt, s.fetchStmt, s.expireStmt, s.expirationStmt, s.deleteStmt,
		s.deleteOwnerStmt, s.lockStmt, s.updateDataStmt, s.cleanupStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (s *sqlStore) Close() error {
	s.sweeper.Stop()
	s.closeStmts()
	return s.db.Close()
}

func sqlWriteErr(err error) error {
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return writeErr(err)
}

// rebindQuestion keeps '?' placeholders.
func rebindQuestion(q string) string {
	return q
}

// rebindDollar rewrites '?' placeholders to PostgreSQL's $1, $2, ...
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

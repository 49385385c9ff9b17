package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL DEFAULT 0,
		body BLOB,
		fingerprint TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`

const sqliteIndex = `
	CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
	ON idempotency_records(expires_at)`

// SQLiteStore persists records to SQLite. Timestamps are stored as Unix
// nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for tests.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec(sqliteIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db, options: buildOptions(opts)}, nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSQLiteRecord(ctx context.Context, q sqlQuerier, key string) (*Record, error) {
	var (
		rec       Record
		state     string
		createdAt int64
		expiresAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT key, status_code, body, fingerprint, state, created_at, expires_at
		FROM idempotency_records WHERE key = ?
	`, key).Scan(&rec.Key, &rec.StatusCode, &rec.Body, &rec.Fingerprint, &state, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, err := scanSQLiteRecord(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	now := s.now()
	if rec.Expired(now) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_records WHERE key = ? AND expires_at <= ?`,
			key, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("delete expired record: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	expires := now.Add(effectiveTTL(ttl, s.defaultTTL))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, status_code, body, fingerprint, state, created_at, expires_at)
		VALUES (?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status_code = excluded.status_code,
			body = excluded.body,
			state = excluded.state,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			fingerprint = CASE
				WHEN idempotency_records.expires_at > excluded.created_at THEN idempotency_records.fingerprint
				ELSE ''
			END
	`, key, statusCode, body, string(StateCompleted), now.UnixNano(), expires.UnixNano())
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

// Reserve implements Store.
func (s *SQLiteStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND expires_at <= ?`,
		key, now.UnixNano()); err != nil {
		return nil, false, fmt.Errorf("clear expired: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, status_code, body, fingerprint, state, created_at, expires_at)
		VALUES (?, 0, NULL, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, fingerprint, string(StateInFlight), now.UnixNano(), now.Add(effectiveTTL(ttl, s.defaultTTL)).UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("insert reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert reservation: %w", err)
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit reserve: %w", err)
		}
		return nil, true, nil
	}

	existing, err := scanSQLiteRecord(ctx, tx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load existing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit reserve: %w", err)
	}
	return existing, false, nil
}

// SweepExpired implements Store.
func (s *SQLiteStore) SweepExpired(ctx context.Context, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if batch <= 0 {
		batch = -1 // SQLite: negative LIMIT means no limit
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE key IN (
			SELECT key FROM idempotency_records WHERE expires_at <= ? LIMIT ?
		)
	`, s.now().UnixNano(), batch)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return int(n), nil
}

// Close releases the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

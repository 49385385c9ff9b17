package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DefaultPostgresTable is the table used when none is configured.
const DefaultPostgresTable = "idempotency_records"

// PostgresStore persists records to PostgreSQL. Records survive process
// restarts and are shared by every replica pointing at the same database.
type PostgresStore struct {
	db *sql.DB
	q  postgresQueries
	options
}

var _ Store = (*PostgresStore)(nil)

type postgresQueries struct {
	schema  string
	index   string
	get     string
	delExp  string
	set     string
	del     string
	reserve string
	sweep   string
}

func newPostgresQueries(table string) postgresQueries {
	t := pq.QuoteIdentifier(table)
	idx := pq.QuoteIdentifier("idx_" + table + "_expires_at")
	return postgresQueries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL DEFAULT 0,
			body BYTEA,
			fingerprint TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, t),
		index: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`, idx, t),
		get: fmt.Sprintf(`SELECT key, status_code, body, fingerprint, state, created_at, expires_at
			FROM %s WHERE key = $1`, t),
		delExp: fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at <= $2`, t),
		set: fmt.Sprintf(`INSERT INTO %[1]s (key, status_code, body, fingerprint, state, created_at, expires_at)
			VALUES ($1, $2, $3, '', $4, $5, $6)
			ON CONFLICT (key) DO UPDATE SET
				status_code = EXCLUDED.status_code,
				body = EXCLUDED.body,
				state = EXCLUDED.state,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at,
				fingerprint = CASE WHEN %[1]s.expires_at > EXCLUDED.created_at
					THEN %[1]s.fingerprint ELSE '' END`, t),
		del: fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t),
		reserve: fmt.Sprintf(`INSERT INTO %s (key, status_code, body, fingerprint, state, created_at, expires_at)
			VALUES ($1, 0, NULL, $2, $3, $4, $5)
			ON CONFLICT (key) DO NOTHING`, t),
		sweep: fmt.Sprintf(`DELETE FROM %[1]s WHERE key IN (
			SELECT key FROM %[1]s WHERE expires_at <= $1 LIMIT $2)`, t),
	}
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	table string
	opts  []Option
}

// WithTable sets the table name.
func WithTable(name string) PostgresOption {
	return func(c *postgresConfig) {
		c.table = name
	}
}

// WithStoreOptions applies generic store options.
func WithStoreOptions(opts ...Option) PostgresOption {
	return func(c *postgresConfig) {
		c.opts = append(c.opts, opts...)
	}
}

// NewPostgresStore wraps an open database handle. Call EnsureSchema once
// at startup if the table may not exist.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	cfg := postgresConfig{table: DefaultPostgresTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PostgresStore{
		db:      db,
		q:       newPostgresQueries(cfg.table),
		options: buildOptions(cfg.opts),
	}
}

// OpenPostgresStore opens dsn with the lib/pq driver, verifies the
// connection and creates the table if needed.
func OpenPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the records table and expiry index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q.index); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, q sqlQuerier, key string) (*Record, error) {
	var (
		rec   Record
		state string
	)
	err := q.QueryRowContext(ctx, s.q.get, key).
		Scan(&rec.Key, &rec.StatusCode, &rec.Body, &rec.Fingerprint, &state, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	return &rec, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec, err := s.load(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	now := s.now()
	if rec.Expired(now) {
		if _, err := s.db.ExecContext(ctx, s.q.delExp, key, now); err != nil {
			return nil, fmt.Errorf("delete expired record: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := s.now()
	expires := now.Add(effectiveTTL(ttl, s.defaultTTL))
	if _, err := s.db.ExecContext(ctx, s.q.set, key, statusCode, body, string(StateCompleted), now, expires); err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q.del, key)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

// Reserve implements Store. An expired row for key is replaced inside the
// same transaction.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.now()
	if _, err := tx.ExecContext(ctx, s.q.delExp, key, now); err != nil {
		return nil, false, fmt.Errorf("clear expired: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q.reserve, key, fingerprint, string(StateInFlight), now, now.Add(effectiveTTL(ttl, s.defaultTTL)))
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

	existing, err := s.load(ctx, tx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load existing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit reserve: %w", err)
	}
	return existing, false, nil
}

// SweepExpired implements Store.
func (s *PostgresStore) SweepExpired(ctx context.Context, batch int) (int, error) {
	var limit any = batch
	if batch <= 0 {
		limit = nil // LIMIT NULL means no limit
	}
	res, err := s.db.ExecContext(ctx, s.q.sweep, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

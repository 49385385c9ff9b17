package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS saga_executions (
		handle TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		state TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		data TEXT NOT NULL
	)`

const sqliteIndex = `
	CREATE INDEX IF NOT EXISTS idx_saga_executions_saga_id
	ON saga_executions(saga_id)`

// ErrStoreClosed is returned by a closed SQLiteStore.
var ErrStoreClosed = errors.New("store is closed")

// SQLiteStore persists executions to SQLite. The full record is kept as
// JSON; saga id, state and start time are indexed columns for List.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ ExecutionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
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
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, e *Execution) error {
	if e.Handle == "" {
		return fmt.Errorf("execution handle is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (handle, saga_id, state, start_time, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO NOTHING
	`, string(e.Handle), e.SagaID, string(e.State), e.StartTime.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %q already exists", e.Handle)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE saga_executions SET state = ?, data = ? WHERE handle = ?`,
		string(e.State), string(data), string(e.Handle))
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, h Handle) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM saga_executions WHERE handle = ?`, string(h)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return decodeExecution(data)
}

func (s *SQLiteStore) List(ctx context.Context, filter *ListFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	limit, offset := -1, 0
	if filter != nil {
		if filter.SagaID != "" {
			where = append(where, "saga_id = ?")
			args = append(args, filter.SagaID)
		}
		if filter.State != "" {
			where = append(where, "state = ?")
			args = append(args, string(filter.State))
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query := `SELECT data FROM saga_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, handle LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	result := []*Execution{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e, err := decodeExecution(data)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM saga_executions WHERE handle = ?`, string(h))
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
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

func decodeExecution(data string) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &e, nil
}

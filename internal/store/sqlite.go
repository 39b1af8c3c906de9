package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/simproxy/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    host       TEXT NOT NULL,
    engine     TEXT NOT NULL,
    address    TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    launches   INTEGER NOT NULL DEFAULT 0,
    error      TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    closed_at  DATETIME
)`

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    call_id     INTEGER NOT NULL,
    op          TEXT NOT NULL,
    status      TEXT NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createCallsIndex = `CREATE INDEX IF NOT EXISTS idx_calls_session ON calls(session_id, id)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct{ what, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create sessions table", createSessionsTable},
		{"create calls table", createCallsTable},
		{"create calls index", createCallsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, r *model.SessionRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, host, engine, address, status, launches, error, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Host, r.Engine, r.Address, r.Status, r.Launches, r.Error, r.CreatedAt, r.UpdatedAt, r.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectSession = `SELECT id, host, engine, address, status, launches, error, created_at, updated_at, closed_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.SessionRecord, error) {
	r := &model.SessionRecord{}
	err := row.Scan(&r.ID, &r.Host, &r.Engine, &r.Address, &r.Status, &r.Launches, &r.Error,
		&r.CreatedAt, &r.UpdatedAt, &r.ClosedAt)
	return r, err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	r, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r, nil
}

// ListSessions returns a page of sessions, newest first, and the total count.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.SessionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectSession+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// UpdateSession applies u to the session. A status change must be a valid
// transition; moving to closed sets closed_at.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, u SessionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session status: %w", err)
	}

	status := current
	if u.Status != "" && u.Status != current {
		if !model.ValidTransition(current, u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.Status)
		}
		status = u.Status
	}

	now := time.Now().UTC()
	var closedAt *time.Time
	if status == model.SessionClosed {
		closedAt = &now
	}
	launched := 0
	if u.Launched {
		launched = 1
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET
			status = ?,
			address = CASE WHEN ? = '' THEN address ELSE ? END,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			launches = launches + ?,
			updated_at = ?,
			closed_at = COALESCE(closed_at, ?)
		WHERE id = ?`,
		status, u.Address, u.Address, u.Error, u.Error, launched, now, closedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session update: %w", err)
	}
	return nil
}

// RecordCall appends a call record and sets its ID.
func (s *SQLiteStore) RecordCall(ctx context.Context, c *model.CallRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (session_id, call_id, op, status, error_kind, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, int64(c.CallID), c.Op, c.Status, c.ErrorKind, c.Error, c.DurationMS, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("call id: %w", err)
	}
	c.ID = id
	return nil
}

// ListCalls returns a page of a session's calls in dispatch order and the
// session's total call count.
func (s *SQLiteStore) ListCalls(ctx context.Context, sessionID string, limit, offset int) ([]*model.CallRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE session_id = ?", sessionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, call_id, op, status, error_kind, error, duration_ms, created_at
		FROM calls WHERE session_id = ? ORDER BY id LIMIT ? OFFSET ?`, sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*model.CallRecord
	for rows.Next() {
		c := &model.CallRecord{}
		var callID int64
		if err := rows.Scan(&c.ID, &c.SessionID, &callID, &c.Op, &c.Status, &c.ErrorKind, &c.Error,
			&c.DurationMS, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan call: %w", err)
		}
		c.CallID = uint64(callID)
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, total, nil
}

// GetStats aggregates sessions and calls.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		SessionsByStatus: make(map[string]int),
		CallsByStatus:    make(map[string]int),
		CallsByOp:        make(map[string]int),
	}

	groups := []struct {
		query string
		into  map[string]int
		total *int
	}{
		{"SELECT status, COUNT(*) FROM sessions GROUP BY status", stats.SessionsByStatus, &stats.TotalSessions},
		{"SELECT status, COUNT(*) FROM calls GROUP BY status", stats.CallsByStatus, &stats.TotalCalls},
		{"SELECT op, COUNT(*) FROM calls GROUP BY op", stats.CallsByOp, nil},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.query, g.into, g.total); err != nil {
			return nil, err
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM calls").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average call duration: %w", err)
	}
	if avg.Valid {
		stats.AvgCallDurationMS = avg.Float64
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, query string, into map[string]int, total *int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan stats: %w", err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}

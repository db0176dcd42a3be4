// Package history keeps a durable record of capability-server session
// transitions and consumer invocations. Rows are append-only and keyed
// by UUIDv7.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Transition is one session state change.
type Transition struct {
	ID        string
	Timestamp time.Time
	Server    string
	From      string
	To        string
	Attempt   int
	Error     string
}

// Invocation is one completed consumer call.
type Invocation struct {
	ID        string
	Timestamp time.Time
	Name      string
	Server    string
	OK        bool
	Kind      string // error kind; empty on success
	Error     string
	Duration  time.Duration
}

// ServerSummary aggregates invocations for one server.
type ServerSummary struct {
	Server      string
	Calls       int
	Failures    int
	AvgDuration time.Duration
}

// Store is an SQLite-backed history store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transitions (
		id         TEXT PRIMARY KEY,
		ts         TEXT NOT NULL,
		server     TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_server ON transitions(server, ts);

	CREATE TABLE IF NOT EXISTS invocations (
		id          TEXT PRIMARY KEY,
		ts          TEXT NOT NULL,
		name        TEXT NOT NULL,
		server      TEXT,
		ok          INTEGER NOT NULL,
		kind        TEXT,
		error       TEXT,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_server ON invocations(server, ts);
	CREATE INDEX IF NOT EXISTS idx_invocations_ts ON invocations(ts);
	`)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate history id: %w", err)
	}
	return id.String(), nil
}

// tsLayout is fixed-width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

// RecordTransition appends a transition. A zero ID or Timestamp is filled in.
func (s *Store) RecordTransition(ctx context.Context, tr Transition) error {
	if tr.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		tr.ID = id
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, ts, server, from_state, to_state, attempt, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, formatTime(tr.Timestamp), tr.Server, tr.From, tr.To, tr.Attempt, tr.Error,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// RecordInvocation appends an invocation. A zero ID or Timestamp is filled in.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		inv.ID = id
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, ts, name, server, ok, kind, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, formatTime(inv.Timestamp), inv.Name, inv.Server, inv.OK, inv.Kind, inv.Error,
		inv.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Transitions returns the most recent transitions, newest first. An
// empty server matches all servers; limit <= 0 means 100.
func (s *Store) Transitions(ctx context.Context, server string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, server, from_state, to_state, attempt, COALESCE(error, '')
		 FROM transitions
		 WHERE ? = '' OR server = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		server, server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var ts string
		if err := rows.Scan(&tr.ID, &ts, &tr.Server, &tr.From, &tr.To, &tr.Attempt, &tr.Error); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Timestamp = parseTime(ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Invocations returns the most recent invocations, newest first, with
// the same filtering as Transitions.
func (s *Store) Invocations(ctx context.Context, server string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, name, COALESCE(server, ''), ok, COALESCE(kind, ''), COALESCE(error, ''), duration_ms
		 FROM invocations
		 WHERE ? = '' OR server = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		server, server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var ts string
		var ms int64
		if err := rows.Scan(&inv.ID, &ts, &inv.Name, &inv.Server, &inv.OK, &inv.Kind, &inv.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Timestamp = parseTime(ts)
		inv.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Summary aggregates invocations since the given time per server,
// ordered by call count descending.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]ServerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(server, ''), COUNT(*), SUM(CASE WHEN ok THEN 0 ELSE 1 END), AVG(duration_ms)
		 FROM invocations
		 WHERE ts >= ?
		 GROUP BY server
		 ORDER BY COUNT(*) DESC, server`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query invocation summary: %w", err)
	}
	defer rows.Close()

	var out []ServerSummary
	for rows.Next() {
		var sum ServerSummary
		var avg float64
		if err := rows.Scan(&sum.Server, &sum.Calls, &sum.Failures, &avg); err != nil {
			return nil, fmt.Errorf("scan invocation summary: %w", err)
		}
		sum.AvgDuration = time.Duration(avg * float64(time.Millisecond))
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	var total int64
	for _, table := range []string{"transitions", "invocations"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

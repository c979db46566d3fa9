// Package storage persists load-run history in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one start/stop cycle of the load generator.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	FibN       int       `json:"fib_n"`
	IntervalMs int64     `json:"interval_ms"`
	Endpoint   string    `json:"endpoint"`
	Requests   uint64    `json:"requests"`
	Responses  uint64    `json:"responses"`
	Errors     uint64    `json:"errors"`
}

// Duration returns how long the run lasted, or zero if it is still open.
func (r Run) Duration() time.Duration {
	if r.StoppedAt.IsZero() {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

// Crash records one crash trigger.
type Crash struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	OK      bool      `json:"ok"`
	Message string    `json:"message"`
}

// Storage handles persistent run history.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER,
		fib_n INTEGER NOT NULL,
		interval_ms INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		responses INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS crashes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		message TEXT
	);
	`
	_, err := db.Exec(schema)
	return err
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// StartRun inserts a new open run. An empty ID is filled with NewRunID.
func (s *Storage) StartRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = NewRunID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, fib_n, interval_ms, endpoint)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixMilli(), r.FibN, r.IntervalMs, r.Endpoint,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final counters.
func (s *Storage) FinishRun(ctx context.Context, r Run) error {
	if r.StoppedAt.IsZero() {
		r.StoppedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stopped_at = ?, requests = ?, responses = ?, errors = ?
		WHERE id = ?`,
		r.StoppedAt.UnixMilli(), r.Requests, r.Responses, r.Errors, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", r.ID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, stopped_at, fib_n, interval_ms, endpoint, requests, responses, errors
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			startedAt int64
			stoppedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &startedAt, &stoppedAt, &r.FibN, &r.IntervalMs, &r.Endpoint,
			&r.Requests, &r.Responses, &r.Errors); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedAt)
		if stoppedAt.Valid {
			r.StoppedAt = time.UnixMilli(stoppedAt.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordCrash stores the outcome of a crash trigger.
func (s *Storage) RecordCrash(ctx context.Context, c Crash) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO crashes (at, ok, message) VALUES (?, ?, ?)`,
		c.At.UnixMilli(), c.OK, c.Message)
	if err != nil {
		return fmt.Errorf("insert crash: %w", err)
	}
	return nil
}

// ListCrashes returns the most recent crash triggers, newest first.
func (s *Storage) ListCrashes(ctx context.Context, limit int) ([]Crash, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, ok, message FROM crashes ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query crashes: %w", err)
	}
	defer rows.Close()

	var crashes []Crash
	for rows.Next() {
		var (
			c  Crash
			at int64
		)
		if err := rows.Scan(&c.ID, &at, &c.OK, &c.Message); err != nil {
			return nil, fmt.Errorf("scan crash: %w", err)
		}
		c.At = time.UnixMilli(at)
		crashes = append(crashes, c)
	}
	return crashes, rows.Err()
}

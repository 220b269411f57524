// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package history keeps a SQLite ledger of script runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/fastgpu/internal/persistence/sqlite"
)

// State of a run row.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFail     State = "fail"
)

// DefaultRelPath is the ledger location relative to the work directory.
const DefaultRelPath = ".fastgpu/history.sqlite"

// ErrRunNotFound is returned by Finish for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one script execution.
type Run struct {
	ID         string     `json:"id"`
	Script     string     `json:"script"`
	Slot       int        `json:"slot"`
	SlotKind   string     `json:"slotKind"`
	PID        int        `json:"pid,omitempty"`
	State      State      `json:"state"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Duration is zero for unfinished runs.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder is what the pool needs from a ledger.
type Recorder interface {
	Start(ctx context.Context, run Run) error
	SetPID(ctx context.Context, runID string, pid int) error
	Finish(ctx context.Context, runID string, state State, exitCode int, errText string, at time.Time) error
	AbandonRunning(ctx context.Context, reason string, at time.Time) (int64, error)
}

// Store is the SQLite backed Recorder.
type Store struct {
	db *sql.DB
}

// Path resolves the ledger path for a work directory.
func Path(workDir, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(workDir, DefaultRelPath)
}

// Open opens (and creates) the ledger at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		script TEXT NOT NULL,
		slot INTEGER NOT NULL,
		slot_kind TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL CHECK(state IN ('running', 'complete', 'fail')),
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start inserts a running row.
func (s *Store) Start(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO runs (id, script, slot, slot_kind, pid, state, started_at)
	VALUES (?, ?, ?, ?, ?, 'running', ?)
	`, run.ID, run.Script, run.Slot, run.SlotKind, run.PID, run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// SetPID records the process id once the script has started.
func (s *Store) SetPID(ctx context.Context, runID string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET pid = ? WHERE id = ?`, pid, runID)
	return err
}

// Finish closes a run with its final state.
func (s *Store) Finish(ctx context.Context, runID string, state State, exitCode int, errText string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE runs SET state = ?, exit_code = ?, error = ?, finished_at = ?
	WHERE id = ?
	`, string(state), exitCode, errText, at.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, script, slot, slot_kind, pid, state, exit_code, error, started_at, finished_at
	FROM runs
	ORDER BY started_at DESC, rowid DESC
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			state      string
			exitCode   sql.NullInt64
			startedAt  int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Script, &r.Slot, &r.SlotKind, &r.PID, &state,
			&exitCode, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.State = State(state)
		r.StartedAt = time.UnixMilli(startedAt).UTC()
		if exitCode.Valid {
			c := int(exitCode.Int64)
			r.ExitCode = &c
		}
		if finishedAt.Valid {
			f := time.UnixMilli(finishedAt.Int64).UTC()
			r.FinishedAt = &f
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AbandonRunning marks every still-running row as failed. A poller calls it at
// startup, when no run of a previous process can still be alive.
func (s *Store) AbandonRunning(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE runs SET state = 'fail', error = ?, finished_at = ?
	WHERE state = 'running'
	`, reason, at.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

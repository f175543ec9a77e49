// Package history keeps a ledger of job runs in the state database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/motionhost/internal/job"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("job run not found")

const defaultLimit = 50

// timeFormat has fixed width so started_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger stores one row per job run.
type Ledger struct {
	db *sql.DB
}

var _ job.Recorder = (*Ledger)(nil)

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	File    string
	Outcome job.Outcome
	Limit   int
}

// RecordRun inserts a run on start and updates it when it finishes.
func (l *Ledger) RecordRun(ctx context.Context, run job.Run) error {
	if _, err := uuid.Parse(run.ID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", run.ID, err)
	}
	if run.File == "" {
		return fmt.Errorf("run %s has no file", run.ID)
	}

	var finishedAt any
	if run.FinishedAt != nil {
		finishedAt = formatTime(*run.FinishedAt)
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO job_runs(id, file, path, simulated, outcome, position, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  outcome     = excluded.outcome,
  position    = excluded.position,
  finished_at = excluded.finished_at;
`, run.ID, run.File, run.Path, run.Simulated, string(run.Outcome), run.Position, formatTime(run.StartedAt), finishedAt)
	if err != nil {
		return fmt.Errorf("record job run: %w", err)
	}
	return nil
}

// Get returns one run by id.
func (l *Ledger) Get(ctx context.Context, id string) (*job.Run, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, file, path, simulated, outcome, position, started_at, finished_at
FROM job_runs
WHERE id = ?;
`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List returns runs, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]job.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, file, path, simulated, outcome, position, started_at, finished_at
FROM job_runs
WHERE (? = '' OR file = ?) AND (? = '' OR outcome = ?)
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, f.File, f.File, string(f.Outcome), string(f.Outcome), limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []job.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}

// MarkInterrupted finishes runs a previous process left running, e.g.
// after a power loss. It returns the number of runs changed.
func (l *Ledger) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
UPDATE job_runs
SET outcome = ?, finished_at = ?
WHERE outcome = ?;
`, string(job.OutcomeAborted), formatTime(time.Now()), string(job.OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// Prune keeps the newest keep runs and deletes the rest.
func (l *Ledger) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	res, err := l.db.ExecContext(ctx, `
DELETE FROM job_runs
WHERE id NOT IN (
  SELECT id FROM job_runs ORDER BY started_at DESC, rowid DESC LIMIT ?
);
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*job.Run, error) {
	var (
		run        job.Run
		outcome    string
		startedAt  string
		finishedAt sql.NullString
	)
	if err := s.Scan(&run.ID, &run.File, &run.Path, &run.Simulated, &outcome, &run.Position, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job run: %w", err)
	}
	run.Outcome = job.Outcome(outcome)

	t, err := time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	run.StartedAt = t
	if finishedAt.Valid {
		t, err := time.Parse(timeFormat, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

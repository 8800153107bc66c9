package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Snapshot is the latest run of a job. Only one snapshot per job is kept.
type Snapshot struct {
	JobID         string
	RunID         string
	Started       time.Time
	Duration      time.Duration
	Outcome       model.Outcome
	FailedStep    *string
	FailureReason *string
	Artifacts     []string
}

// FromRun folds a run into its snapshot.
func FromRun(run model.Run) Snapshot {
	s := Snapshot{
		JobID:     run.JobID,
		RunID:     run.ID.String(),
		Started:   run.Started,
		Duration:  run.Duration(),
		Outcome:   run.Outcome,
		Artifacts: run.Artifacts,
	}
	if step, ok := run.FailedStep(); ok {
		s.FailedStep = &step
	}
	if run.Err != nil {
		reason := run.Err.Error()
		s.FailureReason = &reason
	}
	return s
}

func (s Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job: %q, outcome: %s, started: %s, duration: %s",
		s.JobID, s.Outcome, s.Started.Format(time.RFC3339), s.Duration)
	if s.FailedStep != nil {
		fmt.Fprintf(&sb, ", failed_step: %q", *s.FailedStep)
	}
	if s.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *s.FailureReason)
	}
	return sb.String()
}

// Open opens, and creates if needed, the sqlite database at dbPath.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
			job_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			started_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			failed_step TEXT DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			artifacts TEXT NOT NULL DEFAULT ''
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, jobID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", jobID))
	}
}

// Save replaces the snapshot of s.JobID.
func Save(ctx context.Context, db *sql.DB, s Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, s.JobID)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (job_id, run_id, started_ns, duration_ns, outcome, failed_step, failure_reason, artifacts)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
			run_id = excluded.run_id,
			started_ns = excluded.started_ns,
			duration_ns = excluded.duration_ns,
			outcome = excluded.outcome,
			failed_step = excluded.failed_step,
			failure_reason = excluded.failure_reason,
			artifacts = excluded.artifacts;
		`,
		s.JobID, s.RunID, s.Started.UnixNano(), int64(s.Duration), string(s.Outcome),
		s.FailedStep, s.FailureReason, strings.Join(s.Artifacts, "\n"),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const selectSnapshot = `SELECT job_id, run_id, started_ns, duration_ns, outcome, failed_step, failure_reason, artifacts FROM snapshots`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Snapshot, error) {
	var s Snapshot
	var started, duration int64
	var outcome, artifacts string
	err := row.Scan(&s.JobID, &s.RunID, &started, &duration, &outcome, &s.FailedStep, &s.FailureReason, &artifacts)
	if err != nil {
		return Snapshot{}, err
	}
	s.Started = time.Unix(0, started)
	s.Duration = time.Duration(duration)
	s.Outcome = model.Outcome(outcome)
	if artifacts != "" {
		s.Artifacts = strings.Split(artifacts, "\n")
	}
	return s, nil
}

// Get returns the snapshot of jobID on success,
// ErrNotFound when jobID never ran,
// error otherwise.
func Get(ctx context.Context, db *sql.DB, jobID string) (Snapshot, error) {
	s, err := scan(db.QueryRowContext(ctx, selectSnapshot+` WHERE job_id=?`, jobID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Snapshot{}, ErrNotFound
	case err != nil:
		return Snapshot{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s, nil
}

// List returns all snapshots ordered by job ID.
func List(ctx context.Context, db *sql.DB) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx, selectSnapshot+` ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []Snapshot
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, s)
	}
	return ret, rows.Err()
}

// Delete removes the snapshot of jobID, ErrNotFound if there is none.
func Delete(ctx context.Context, db *sql.DB, jobID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, jobID)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE job_id=?`, jobID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

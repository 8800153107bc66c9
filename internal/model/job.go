package model

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// FullExecutionStep is the synthetic step recorded for jobs without
// introspectable structure.
const FullExecutionStep = "full_execution"

// JobNamespace is the namespace of Job UUIDs. Together with the relative
// source path it makes the UUID stable across restarts.
var JobNamespace = uuid.MustParse("8f6b2f7e-6a4e-4c55-9d43-1b1f1c2f5a10")

// Job is a discovered, independently schedulable unit of work.
type Job struct {
	// ID is an identifier-safe token derived from the source path,
	// e.g. hidrive-next/settings_test.go -> hidrive-next_settings_test.
	// It labels every metric of the job.
	ID string
	// Name is the display name, the relative path without extension.
	Name string
	// Source is the absolute path of the job source.
	Source string
	// RelPath is Source relative to the transactions root, always slash separated.
	RelPath string
	// UUID identifies the job towards the trigger scheduler.
	UUID uuid.UUID

	Interval time.Duration
	Cron     string
	Timeout  time.Duration
}

// NewJobUUID returns the stable UUID for a relative source path.
func NewJobUUID(relPath string) uuid.UUID {
	return uuid.NewSHA1(JobNamespace, []byte(relPath))
}

func (j Job) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("job_id", j.ID),
		slog.String("job_source", j.RelPath),
	}
}

// Trigger is a single firing of a job schedule.
type Trigger struct {
	JobID string
	Due   time.Time
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// StepResult is the measurement of one named step.
type StepResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

func (s StepResult) Failed() bool {
	return s.Err != nil
}

// Run is one execution attempt of a Job. It is discarded once folded into
// the metrics, only the latest snapshot per job is kept.
type Run struct {
	ID        uuid.UUID
	JobID     string
	Started   time.Time
	Finished  time.Time
	State     State
	Outcome   Outcome
	Steps     []StepResult
	Artifacts []string
	Err       error
}

func NewRun(jobID string, started time.Time) Run {
	return Run{
		ID:      uuid.New(),
		JobID:   jobID,
		Started: started,
		State:   StateCreated,
		Outcome: OutcomeFailure,
	}
}

func (r Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// FailedStep returns the name of the step which aborted the run, if any.
func (r Run) FailedStep() (string, bool) {
	for _, s := range r.Steps {
		if s.Failed() {
			return s.Name, true
		}
	}
	return "", false
}

func (r Run) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("run_id", r.ID.String()),
		slog.String("outcome", string(r.Outcome)),
		slog.Duration("duration", r.Duration()),
	}
}

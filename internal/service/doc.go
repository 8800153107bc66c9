package service

// Package service implements scheduling and supervision of monitoring jobs.
//
// Overview
// The Scheduler owns an event loop and a registry of uniquely named Jobs.
// gocron turns each job schedule (interval or cron) into triggers. The
// triggers are queued and served by exactly one worker, so at most one job
// runs at any time and a slow job delays the others.
//
// The Supervisor wraps a single dispatch with the job timeout. A run which
// exceeds it is reported as timed out and abandoned: its context is
// cancelled, the worker is freed, but the remnant stays in flight until it
// returns. Further triggers of an in-flight job are dropped.
//
// Data flow:
//
//   gocron               Scheduler{queue}          Supervisor          Dispatcher
//     |                        |                        |                   |
//   tick -> Fire(id) -------->| push                   |                   |
//     |                        | pop (grace, in flight) |                   |
//     |                        | Run(job) ------------->| Dispatch(ctx) --->|
//     |                        |                        |<------ Run -------|
//     |                        |                        | or timeout        |
//     |                        |<------ Run ------------|                   |
//     |                        | OnRun                  |                   |
//
// Misfire handling:
//   - coalesce keeps only the latest pending trigger per job
//   - a trigger waiting longer than grace is dropped, 0 waits forever
//   - every dropped trigger is counted in transaction_missed_triggers_total
//
// Invariants:
//   - At most one worker busy at a time.
//   - Each trigger produces at most one Run.
//   - A timed out run reports success 0 and its timestamp even if it never returns.
//   - Shutdown waits up to the stop timeout for the running job, then abandons it.
//
// internal/service/scheduler_test.go is the best source about how to use
// the Scheduler.

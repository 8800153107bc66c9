package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/artifact"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/dispatch"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/service"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/session"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/store"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/walk"

	"golang.org/x/sync/errgroup"
)

// Monitor wires discovery, execution, metrics and the optional state store.
type Monitor struct {
	config     model.Config
	settings   model.Settings
	sink       *metrics.Sink
	supervisor *service.Supervisor
	db         *sql.DB
}

func newMonitor(ctx context.Context, config model.Config, settings model.Settings) (*Monitor, error) {
	if config.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", config.Version)
	}

	sink := metrics.NewSink(true)
	provider := session.NewChrome(session.ChromeConfig{
		Headless:      config.Browser.Headless,
		RemoteURL:     config.Browser.RemoteURL,
		ExecPath:      config.Browser.ExecPath,
		ActionTimeout: settings.ActionTimeout,
	})
	engine := transaction.NewEngine(sink, provider, artifact.New(settings.ArtifactsDir))
	dispatcher := dispatch.New(engine, transaction.Default(), sink, dispatch.Config{
		Root:         settings.Root,
		Interpreters: config.Transactions.Interpreters,
	})

	m := &Monitor{
		config:     config,
		settings:   settings,
		sink:       sink,
		supervisor: service.NewSupervisor(dispatcher, sink),
	}
	if config.Service.State != "" {
		db, err := store.Open(ctx, config.Service.State)
		if err != nil {
			return nil, fmt.Errorf("opening state database %s: %w", config.Service.State, err)
		}
		m.db = db
	}
	return m, nil
}

func (m *Monitor) Close() {
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			slog.Error("closing state database failed", "error", err)
		}
	}
}

// Discover lists the jobs of the transactions directory. Transactions
// compiled into the binary without a source there are reported, they never
// run.
func (m *Monitor) Discover(ctx context.Context) ([]model.Job, error) {
	jobs, err := walk.Jobs(ctx, m.settings.TxDir, walk.Options{
		Extensions: m.config.Transactions.Extensions,
		Interval:   m.settings.Interval,
		Timeout:    m.settings.Timeout,
		Overrides:  m.config.Jobs,
	})
	if err != nil {
		return nil, err
	}
	sources := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		sources[job.RelPath] = struct{}{}
	}
	for _, src := range transaction.Default().Sources() {
		if _, ok := sources[src]; !ok {
			slog.DebugContext(ctx, "registered transaction has no source", "source", src, "dir", m.settings.TxDir)
		}
	}
	return jobs, nil
}

func (m *Monitor) Mode(job model.Job) dispatch.Mode {
	return dispatch.Detect(job.Source)
}

// RunOnce executes the job with the given ID, or every job for "all", one
// after another.
func (m *Monitor) RunOnce(ctx context.Context, target string) ([]model.Run, error) {
	jobs, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if target != "all" {
		var selected []model.Job
		for _, job := range jobs {
			if job.ID == target || job.Name == target {
				selected = append(selected, job)
			}
		}
		if len(selected) == 0 {
			return nil, fmt.Errorf("%s: %w", target, model.ErrUnknownJob)
		}
		jobs = selected
	}

	runs := make([]model.Run, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		run := m.supervisor.Run(ctx, job)
		m.record(log.WithJob(ctx, job), job, run)
		runs = append(runs, run)
	}
	return runs, nil
}

// Serve schedules every discovered job and serves the metrics until ctx is
// done. A positive rescan rediscovers the jobs periodically.
func (m *Monitor) Serve(ctx context.Context, rescan time.Duration) error {
	jobs, err := m.Discover(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		slog.WarnContext(ctx, "no transactions found", "dir", m.settings.TxDir)
	}

	sched, err := service.NewScheduler(m.supervisor, m.sink, service.Options{
		Stagger:     m.settings.Stagger,
		Grace:       m.settings.Grace,
		Coalesce:    m.settings.Coalesce,
		StopTimeout: m.settings.StopTimeout,
		OnRun:       m.record,
	})
	if err != nil {
		return err
	}
	for i, job := range jobs {
		if err := sched.Register(ctx, job, i); err != nil {
			slog.ErrorContext(ctx, "scheduling job failed", "job_id", job.ID, "error", err)
		}
	}

	server := metrics.NewServer(m.config.Metrics.Port, m.sink)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return sched.Do(ctx)
	})
	if rescan > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(rescan)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					m.rescan(ctx, sched)
				}
			}
		})
	}
	return g.Wait()
}

// rescan registers new or changed jobs and drops the vanished ones together
// with their metrics.
func (m *Monitor) rescan(ctx context.Context, sched *service.Scheduler) {
	jobs, err := m.Discover(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "rediscovering transactions failed", "error", err)
		return
	}
	known := make(map[string]model.Job)
	for _, job := range sched.Jobs() {
		known[job.ID] = job
	}
	for _, job := range jobs {
		old, ok := known[job.ID]
		delete(known, job.ID)
		if ok && old == job {
			continue
		}
		if err := sched.Register(ctx, job, 0); err != nil {
			slog.ErrorContext(ctx, "scheduling job failed", "job_id", job.ID, "error", err)
		}
	}
	for id := range known {
		if err := sched.Remove(id); err != nil {
			slog.ErrorContext(ctx, "removing job failed", "job_id", id, "error", err)
			continue
		}
		m.sink.Forget(id)
		if m.db != nil {
			if err := store.Delete(ctx, m.db, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.ErrorContext(ctx, "deleting snapshot failed", "job_id", id, "error", err)
			}
		}
		slog.InfoContext(ctx, "job removed", "job_id", id)
	}
}

// record logs the run and keeps it as the latest snapshot of its job.
func (m *Monitor) record(ctx context.Context, job model.Job, run model.Run) {
	ctx = log.WithRun(ctx, run)
	level := slog.LevelInfo
	if run.Outcome != model.OutcomeSuccess {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{slog.Int("steps", len(run.Steps))}
	if step, ok := run.FailedStep(); ok {
		attrs = append(attrs, slog.String("failed_step", step))
	}
	if run.Err != nil {
		attrs = append(attrs, slog.String("error", run.Err.Error()))
	}
	slog.LogAttrs(ctx, level, "job finished", attrs...)

	if m.db == nil {
		return
	}
	if err := store.Save(ctx, m.db, store.FromRun(run)); err != nil {
		slog.ErrorContext(ctx, "saving snapshot failed", "job_id", job.ID, "error", err)
	}
}

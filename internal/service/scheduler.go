package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
)

// Options of the Scheduler, see model.Settings.
type Options struct {
	// Stagger delays the first run of the n-th registered job by n*Stagger.
	Stagger time.Duration
	// Grace drops a trigger which waited longer for the worker, 0 never drops.
	Grace time.Duration
	// Coalesce keeps only the latest pending trigger per job.
	Coalesce bool
	// StopTimeout bounds the wait for a running job on shutdown.
	StopTimeout time.Duration
	// OnRun is called from the event loop after every run.
	OnRun func(ctx context.Context, job model.Job, run model.Run)
}

// Scheduler turns job schedules into triggers and serves them with a single
// worker. gocron only produces triggers, Do owns the queue and the worker.
type Scheduler struct {
	cron       gocron.Scheduler
	supervisor *Supervisor
	sink       *metrics.Sink
	opts       Options
	fire       chan model.Trigger

	mx   sync.Mutex
	jobs map[string]model.Job
	wg   sync.WaitGroup
}

func NewScheduler(supervisor *Supervisor, sink *metrics.Sink, opts Options) (*Scheduler, error) {
	cron, err := gocron.NewScheduler(
		gocron.WithLogger(slog.Default()),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:       cron,
		supervisor: supervisor,
		sink:       sink,
		opts:       opts,
		fire:       make(chan model.Trigger, 64),
		jobs:       make(map[string]model.Job),
	}, nil
}

// Register schedules job. The first run is delayed by index*stagger, index 0
// runs immediately. A job with the same ID replaces the registered one.
func (s *Scheduler) Register(ctx context.Context, job model.Job, index int) error {
	var def gocron.JobDefinition
	switch {
	case job.Cron != "":
		if _, err := model.ParseCron(job.Cron); err != nil {
			return fmt.Errorf("job %s: parsing cron: %w", job.ID, err)
		}
		def = gocron.CronJob(job.Cron, false)
	case job.Interval > 0:
		def = gocron.DurationJob(job.Interval)
	default:
		return fmt.Errorf("job %s: neither interval nor cron", job.ID)
	}

	startAt := gocron.WithStartImmediately()
	if index > 0 && s.opts.Stagger > 0 {
		startAt = gocron.WithStartDateTime(time.Now().Add(time.Duration(index) * s.opts.Stagger))
	}
	jobID := job.ID
	task := gocron.NewTask(func() { s.Fire(jobID) })
	opts := []gocron.JobOption{
		gocron.WithIdentifier(job.UUID),
		gocron.WithName(job.ID),
		gocron.WithStartAt(startAt),
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	var err error
	if old, ok := s.jobs[job.ID]; ok {
		if old.UUID != job.UUID {
			err = s.cron.RemoveJob(old.UUID)
			if err == nil {
				_, err = s.cron.NewJob(def, task, opts...)
			}
		} else {
			_, err = s.cron.Update(job.UUID, def, task, opts...)
		}
		slog.InfoContext(ctx, "job re-registered", "job_id", job.ID)
	} else {
		_, err = s.cron.NewJob(def, task, opts...)
	}
	if err != nil {
		return fmt.Errorf("job %s: scheduling: %w", job.ID, err)
	}
	s.jobs[job.ID] = job
	slog.InfoContext(ctx, "job scheduled",
		"job_id", job.ID,
		"interval", job.Interval,
		"cron", job.Cron,
		"timeout", job.Timeout,
		"start_delay", time.Duration(index)*s.opts.Stagger,
	)
	return nil
}

// Remove unschedules a job, pending triggers of it are dropped when due.
func (s *Scheduler) Remove(jobID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%s: %w", jobID, model.ErrUnknownJob)
	}
	delete(s.jobs, jobID)
	return s.cron.RemoveJob(job.UUID)
}

// Jobs returns the registered jobs ordered by ID.
func (s *Scheduler) Jobs() []model.Job {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.SortedFunc(maps.Values(s.jobs), func(a, b model.Job) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func (s *Scheduler) job(jobID string) (model.Job, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// Fire enqueues a trigger of jobID due now. It is a signal, it returns
// immediately.
func (s *Scheduler) Fire(jobID string) {
	select {
	case s.fire <- model.Trigger{JobID: jobID, Due: time.Now()}:
	default:
		slog.Warn("trigger buffer full, trigger dropped", "job_id", jobID)
		s.sink.Missed(jobID, metrics.ReasonOverflow)
	}
}

// Do runs the scheduler event loop.
// It multiplexes three concerns:
//  1. Triggers (received on s.fire), queued according to the misfire policy.
//  2. Run results of the single worker, which frees it for the next trigger.
//  3. Context cancellation, which terminates the loop and begins shutdown.
//
// Startup: starts gocron.
// Shutdown: gocron is stopped, no trigger is dequeued anymore and the running
// job gets up to StopTimeout to return, then it is abandoned.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler")
	s.cron.Start()
	defer func() {
		if err := s.cron.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	type result struct {
		job model.Job
		run model.Run
	}
	var q queue
	var busy bool
	results := make(chan result, 1)

	for {
		if !busy {
			job, ok := s.next(ctx, &q)
			if ok {
				busy = true
				s.wg.Go(func() {
					results <- result{job: job, run: s.supervisor.Run(ctx, job)}
				})
			}
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx, busy, q.len())
			return nil
		case t := <-s.fire:
			if dropped, replaced := q.push(t, s.opts.Coalesce); replaced {
				slog.DebugContext(ctx, "pending trigger coalesced", "job_id", dropped.JobID, "due", dropped.Due)
				s.sink.Missed(dropped.JobID, metrics.ReasonCoalesced)
			}
		case r := <-results:
			busy = false
			if s.opts.OnRun != nil {
				s.opts.OnRun(log.WithJob(ctx, r.job), r.job, r.run)
			}
		}
	}
}

// next dequeues the next runnable trigger.
func (s *Scheduler) next(ctx context.Context, q *queue) (model.Job, bool) {
	for {
		t, ok, expired := q.pop(time.Now(), s.opts.Grace)
		for _, e := range expired {
			slog.WarnContext(ctx, "trigger missed its grace window", "job_id", e.JobID, "due", e.Due, "grace", s.opts.Grace)
			s.sink.Missed(e.JobID, metrics.ReasonGrace)
		}
		if !ok {
			return model.Job{}, false
		}
		job, known := s.job(t.JobID)
		if !known {
			slog.WarnContext(ctx, "trigger of an unknown job dropped", "job_id", t.JobID)
			continue
		}
		if s.supervisor.InFlight(job.ID) {
			slog.WarnContext(ctx, "previous run still in flight, trigger dropped", "job_id", job.ID)
			s.sink.Missed(job.ID, metrics.ReasonInFlight)
			continue
		}
		return job, true
	}
}

func (s *Scheduler) shutdown(ctx context.Context, busy bool, pending int) {
	slog.InfoContext(ctx, "scheduler shutting down", "busy", busy, "pending", pending)
	if !s.supervisor.Drain(s.opts.StopTimeout) {
		slog.WarnContext(ctx, "running job abandoned on shutdown", "stop_timeout", s.opts.StopTimeout)
	}
	s.wg.Wait()
}

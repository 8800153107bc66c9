package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
)

// DefaultTimeout is the budget of a job without a configured timeout.
const DefaultTimeout = 4 * time.Minute

// Dispatcher executes a job once, see dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.Job) model.Run
}

// Supervisor bounds the runtime of a dispatch. A run exceeding its budget is
// reported as timed out and abandoned: its context is cancelled but nobody
// waits for it. The abandoned remnant stays in flight until it returns.
type Supervisor struct {
	dispatcher Dispatcher
	sink       *metrics.Sink
	now        func() time.Time

	mx       sync.Mutex
	inFlight map[string]int
	wg       sync.WaitGroup
}

func NewSupervisor(dispatcher Dispatcher, sink *metrics.Sink) *Supervisor {
	return &Supervisor{
		dispatcher: dispatcher,
		sink:       sink,
		now:        time.Now,
		inFlight:   make(map[string]int),
	}
}

// Run dispatches job and waits for it no longer than its timeout.
func (s *Supervisor) Run(ctx context.Context, job model.Job) model.Run {
	ctx = log.WithJob(ctx, job)
	budget := job.Timeout
	if budget <= 0 {
		budget = DefaultTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan model.Run, 1)
	s.track(job.ID, 1)
	s.sink.RunStarted()
	s.wg.Go(func() {
		defer s.sink.RunFinished()
		defer s.track(job.ID, -1)
		defer cancel()
		done <- s.dispatcher.Dispatch(runCtx, job)
	})

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case run := <-done:
		return run
	case <-timer.C:
		cancel()
		now := s.now()
		slog.ErrorContext(ctx, "job exceeded its timeout, abandoning it", "timeout", budget)
		s.sink.SetSuccess(job.ID, false)
		s.sink.Touch(job.ID, now)
		s.sink.Timeout(job.ID)
		run := model.NewRun(job.ID, now.Add(-budget))
		run.Finished = now
		run.Outcome = model.OutcomeTimeout
		run.Err = fmt.Errorf("%w after %s", model.ErrTimeout, budget)
		return run
	case <-ctx.Done():
		cancel()
		slog.WarnContext(ctx, "shutdown while a job runs", "err", ctx.Err())
		run := model.NewRun(job.ID, s.now())
		run.Finished = run.Started
		run.Err = ctx.Err()
		return run
	}
}

func (s *Supervisor) track(jobID string, delta int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.inFlight[jobID] += delta
	if s.inFlight[jobID] <= 0 {
		delete(s.inFlight, jobID)
	}
}

// InFlight reports whether a run of jobID, abandoned or not, still executes.
func (s *Supervisor) InFlight(jobID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.inFlight[jobID] > 0
}

// Drain waits up to timeout for every run to return. It reports whether
// all of them did.
func (s *Supervisor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

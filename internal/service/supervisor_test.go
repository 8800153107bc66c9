package service_test

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics/metricstest"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/service"

	"github.com/stretchr/testify/require"
)

// fakeDispatcher runs for d, or until its context is done unless stubborn.
// A non nil gate replaces d.
type fakeDispatcher struct {
	d        time.Duration
	stubborn bool
	gate     chan struct{}

	mx      sync.Mutex
	running int
	maxRun  int
	calls   []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job model.Job) model.Run {
	f.mx.Lock()
	f.running++
	f.maxRun = max(f.maxRun, f.running)
	f.calls = append(f.calls, job.ID)
	f.mx.Unlock()
	defer func() {
		f.mx.Lock()
		f.running--
		f.mx.Unlock()
	}()

	run := model.NewRun(job.ID, time.Now())
	wait := time.After(f.d)
	if f.gate != nil {
		wait = nil
	}
	if f.stubborn {
		time.Sleep(f.d)
	} else {
		select {
		case <-wait:
		case <-f.gate:
		case <-ctx.Done():
			run.Err = ctx.Err()
			run.Finished = time.Now()
			return run
		}
	}
	run.Outcome = model.OutcomeSuccess
	run.Finished = time.Now()
	return run
}

func (f *fakeDispatcher) Calls() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDispatcher) MaxRunning() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.maxRun
}

func TestSupervisor_inTime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sink := metrics.NewSink(false)
		sup := service.NewSupervisor(&fakeDispatcher{d: time.Second}, sink)
		job := model.Job{ID: "fast", Timeout: 5 * time.Second}

		run := sup.Run(t.Context(), job)
		require.Equal(t, model.OutcomeSuccess, run.Outcome)
		require.Equal(t, time.Second, run.Duration())
		synctest.Wait()
		require.False(t, sup.InFlight("fast"))
		_, ok := metricstest.Lookup(t, sink, "transaction_timeouts_total", "usecase", "fast")
		require.False(t, ok)
	})
}

func TestSupervisor_timeout(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    *fakeDispatcher
		then     bool // in flight right after the timeout
	}{
		{
			scenario: "cooperative",
			given:    &fakeDispatcher{d: time.Hour},
			then:     false,
		},
		{
			scenario: "ignores cancellation",
			given:    &fakeDispatcher{d: time.Hour, stubborn: true},
			then:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				sink := metrics.NewSink(false)
				sup := service.NewSupervisor(tc.given, sink)
				job := model.Job{ID: "slow", Timeout: 2 * time.Second}

				start := time.Now()
				run := sup.Run(t.Context(), job)
				require.Equal(t, 2*time.Second, time.Since(start))
				require.Equal(t, model.OutcomeTimeout, run.Outcome)
				require.ErrorIs(t, run.Err, model.ErrTimeout)
				require.Equal(t, 2*time.Second, run.Duration())

				synctest.Wait()
				require.Equal(t, tc.then, sup.InFlight("slow"))
				require.Equal(t, 1.0, metricstest.Value(t, sink, "transaction_timeouts_total", "usecase", "slow"))
				require.Equal(t, 0.0, metricstest.Value(t, sink, "transaction_success", "usecase", "slow"))
				require.Equal(t, float64(start.Add(2*time.Second).Unix()),
					metricstest.Value(t, sink, "transaction_last_run_timestamp", "usecase", "slow"))

				// the remnant returns eventually
				require.True(t, sup.Drain(2*time.Hour))
				require.False(t, sup.InFlight("slow"))
			})
		})
	}
}

func TestSupervisor_defaultTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sup := service.NewSupervisor(&fakeDispatcher{d: time.Hour}, metrics.NewSink(false))
		start := time.Now()
		run := sup.Run(t.Context(), model.Job{ID: "nobudget"})
		require.Equal(t, model.OutcomeTimeout, run.Outcome)
		require.Equal(t, service.DefaultTimeout, time.Since(start))
	})
}

func TestSupervisor_cancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sup := service.NewSupervisor(&fakeDispatcher{d: time.Hour}, metrics.NewSink(false))
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		run := sup.Run(ctx, model.Job{ID: "shutdown", Timeout: time.Minute})
		require.Equal(t, model.OutcomeFailure, run.Outcome)
		require.ErrorIs(t, run.Err, context.DeadlineExceeded)
		require.True(t, sup.Drain(time.Second))
	})
}

func TestSupervisor_drainTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sup := service.NewSupervisor(&fakeDispatcher{d: time.Hour, stubborn: true}, metrics.NewSink(false))
		run := sup.Run(t.Context(), model.Job{ID: "stuck", Timeout: time.Second})
		require.Equal(t, model.OutcomeTimeout, run.Outcome)
		require.False(t, sup.Drain(time.Minute))
		require.True(t, sup.InFlight("stuck"))
		// let the bubble finish
		require.True(t, sup.Drain(2*time.Hour))
	})
}

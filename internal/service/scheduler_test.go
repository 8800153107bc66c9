package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics/metricstest"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	sched *service.Scheduler
	sink  *metrics.Sink
	runs  chan model.Run
	stop  func()
}

// start runs a scheduler over jobs a, b, c. Their own schedules fire an hour
// from now at the earliest, so every trigger in a test comes from Fire.
func start(t *testing.T, d service.Dispatcher, opts service.Options) harness {
	t.Helper()
	h := harness{
		sink: metrics.NewSink(false),
		runs: make(chan model.Run, 64),
	}
	opts.Stagger = time.Hour
	opts.OnRun = func(_ context.Context, _ model.Job, run model.Run) {
		h.runs <- run
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 5 * time.Second
	}
	sched, err := service.NewScheduler(service.NewSupervisor(d, h.sink), h.sink, opts)
	require.NoError(t, err)
	h.sched = sched

	for i, id := range []string{"a", "b", "c"} {
		job := model.Job{
			ID:       id,
			RelPath:  id + ".sh",
			UUID:     model.NewJobUUID(id + ".sh"),
			Interval: time.Hour,
			Timeout:  time.Minute,
		}
		require.NoError(t, sched.Register(t.Context(), job, i+1))
	}

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := sched.Do(ctx)
		require.NoError(t, err)
	})
	h.stop = func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(h.stop)
	return h
}

func (h harness) collect(t *testing.T, n int) []model.Run {
	t.Helper()
	var runs []model.Run
	for range n {
		select {
		case run := <-h.runs:
			runs = append(runs, run)
		case <-time.After(10 * time.Second):
			t.Fatalf("got %d runs, want %d", len(runs), n)
		}
	}
	return runs
}

func TestScheduler_singleWorker(t *testing.T) {
	d := &fakeDispatcher{d: 20 * time.Millisecond}
	h := start(t, d, service.Options{})

	for range 3 {
		for _, id := range []string{"a", "b", "c"} {
			h.sched.Fire(id)
		}
	}
	runs := h.collect(t, 9)
	h.stop()

	require.Equal(t, 1, d.MaxRunning())
	for _, run := range runs {
		require.Equal(t, model.OutcomeSuccess, run.Outcome)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, d.Calls())
}

func TestScheduler_misfire(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    service.Options
		then     int // runs of b
	}{
		{
			scenario: "coalesce",
			given:    service.Options{Coalesce: true},
			then:     1,
		},
		{
			scenario: "all",
			given:    service.Options{Coalesce: false},
			then:     3,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d := &fakeDispatcher{gate: make(chan struct{})}
			h := start(t, d, tc.given)

			h.sched.Fire("a")
			require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)
			for range 3 {
				h.sched.Fire("b")
			}
			if tc.given.Coalesce {
				require.Eventually(t, func() bool {
					v, ok := metricstest.Lookup(t, h.sink, "transaction_missed_triggers_total", "usecase", "b", "reason", metrics.ReasonCoalesced)
					return ok && v == 2
				}, 5*time.Second, 5*time.Millisecond)
			} else {
				// fire is buffered, give the loop a moment to queue them
				time.Sleep(50 * time.Millisecond)
			}
			close(d.gate)

			h.collect(t, 1+tc.then)
			h.stop()
			require.Equal(t, 1+tc.then, len(d.Calls()))
			_, ok := metricstest.Lookup(t, h.sink, "transaction_missed_triggers_total", "usecase", "b", "reason", metrics.ReasonCoalesced)
			require.Equal(t, tc.given.Coalesce, ok)
		})
	}
}

func TestScheduler_grace(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := start(t, d, service.Options{Grace: 50 * time.Millisecond})

	h.sched.Fire("a")
	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.sched.Fire("b")
	time.Sleep(200 * time.Millisecond)
	close(d.gate)

	h.collect(t, 1)
	require.Eventually(t, func() bool {
		v, ok := metricstest.Lookup(t, h.sink, "transaction_missed_triggers_total", "usecase", "b", "reason", metrics.ReasonGrace)
		return ok && v == 1
	}, 5*time.Second, 5*time.Millisecond)
	h.stop()
	require.Equal(t, []string{"a"}, d.Calls())
}

func TestScheduler_inFlight(t *testing.T) {
	// a times out after a minute in the harness, use a dispatcher that
	// outlives a shorter budget instead
	d := &fakeDispatcher{d: 300 * time.Millisecond, stubborn: true}
	sink := metrics.NewSink(false)
	runs := make(chan model.Run, 8)
	sched, err := service.NewScheduler(service.NewSupervisor(d, sink), sink, service.Options{
		Stagger:     time.Hour,
		StopTimeout: 5 * time.Second,
		OnRun: func(_ context.Context, _ model.Job, run model.Run) {
			runs <- run
		},
	})
	require.NoError(t, err)
	require.NoError(t, sched.Register(t.Context(), model.Job{
		ID:       "a",
		UUID:     model.NewJobUUID("a.sh"),
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
	}, 1))

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, sched.Do(ctx))
	})

	sched.Fire("a")
	run := <-runs
	require.Equal(t, model.OutcomeTimeout, run.Outcome)

	sched.Fire("a")
	require.Eventually(t, func() bool {
		v, ok := metricstest.Lookup(t, sink, "transaction_missed_triggers_total", "usecase", "a", "reason", metrics.ReasonInFlight)
		return ok && v == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, metricstest.Value(t, sink, "transaction_timeouts_total", "usecase", "a"))

	cancel()
	wg.Wait()
	require.Equal(t, []string{"a"}, d.Calls())
}

func TestScheduler_register(t *testing.T) {
	h := start(t, &fakeDispatcher{}, service.Options{})

	ids := func() []string {
		var ret []string
		for _, j := range h.sched.Jobs() {
			ret = append(ret, j.ID)
		}
		return ret
	}
	require.Equal(t, []string{"a", "b", "c"}, ids())

	// re-registering replaces the schedule
	err := h.sched.Register(t.Context(), model.Job{
		ID:   "a",
		UUID: model.NewJobUUID("a.sh"),
		Cron: "*/5 * * * *",
	}, 1)
	require.NoError(t, err)
	require.Equal(t, "*/5 * * * *", h.sched.Jobs()[0].Cron)

	require.NoError(t, h.sched.Remove("b"))
	require.ErrorIs(t, h.sched.Remove("b"), model.ErrUnknownJob)
	require.Equal(t, []string{"a", "c"}, ids())

	err = h.sched.Register(t.Context(), model.Job{ID: "d", UUID: model.NewJobUUID("d.sh")}, 0)
	require.Error(t, err)
	err = h.sched.Register(t.Context(), model.Job{ID: "e", UUID: model.NewJobUUID("e.sh"), Cron: "bogus"}, 0)
	require.Error(t, err)

	// a trigger of a removed job is dropped
	h.sched.Fire("b")
	h.sched.Fire("c")
	runs := h.collect(t, 1)
	require.Equal(t, "c", runs[0].JobID)
}

func TestScheduler_overflow(t *testing.T) {
	sink := metrics.NewSink(false)
	sched, err := service.NewScheduler(service.NewSupervisor(&fakeDispatcher{}, sink), sink, service.Options{StopTimeout: time.Second})
	require.NoError(t, err)

	// nothing consumes the triggers until Do runs
	for range 66 {
		sched.Fire("a")
	}
	v, ok := metricstest.Lookup(t, sink, "transaction_missed_triggers_total", "usecase", "a", "reason", metrics.ReasonOverflow)
	require.True(t, ok)
	require.Equal(t, 2.0, v)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, sched.Do(ctx))
}

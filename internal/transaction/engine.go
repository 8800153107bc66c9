package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/artifact"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/session"
)

// Engine executes structured transactions and folds their outcome into the
// metrics.
type Engine struct {
	deps Deps
}

func NewEngine(sink *metrics.Sink, provider session.Provider, artifacts *artifact.Capturer) *Engine {
	return &Engine{
		deps: Deps{
			Sink:      sink,
			Provider:  provider,
			Artifacts: artifacts,
			Now:       time.Now,
		},
	}
}

// WithClock replaces the clock used for timestamps and step durations.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.deps.Now = now
	return e
}

type lifecycle struct {
	run *model.Run
}

func (l lifecycle) to(ctx context.Context, s model.State) {
	if err := model.ValidateTransition(l.run.State, s); err != nil {
		// a bug in the engine, the run still goes on
		slog.ErrorContext(ctx, "state machine violated", "err", err)
	}
	l.run.State = s
}

// Execute runs setup, run and teardown of tx. Teardown is always attempted,
// the success gauge is set after it. Execute never panics and never
// returns an error, the outcome is in the Run.
func (e *Engine) Execute(ctx context.Context, tx Transaction) model.Run {
	b := tx.base()
	b.bind(e.deps)
	name := tx.Name()

	run := model.NewRun(name, e.deps.Now())
	e.deps.Sink.Touch(name, run.Started)
	lc := lifecycle{run: &run}

	lc.to(ctx, model.StateSettingUp)
	err := call(ctx, tx.Setup)
	if err != nil {
		err = fmt.Errorf("setup: %w", err)
		slog.ErrorContext(ctx, "setup failed", "err", err)
	} else {
		lc.to(ctx, model.StateRunning)
		err = call(ctx, tx.Run)
		var stepErr *StepError
		if err != nil && !errors.As(err, &stepErr) {
			// not raised by Measure, nothing logged yet
			slog.ErrorContext(ctx, "run failed", "err", err)
		}
		// a failed step fails the run even if Run swallowed its error
		if failed := b.failure(); failed != nil && !errors.As(err, &stepErr) {
			slog.WarnContext(ctx, "run returned without the error of its failed step", "step", failed.Step)
			if err == nil {
				err = failed
			} else {
				err = errors.Join(failed, err)
			}
		}
	}

	lc.to(ctx, model.StateTearingDown)
	// teardown must run even if the run ctx expired
	tdCtx := context.WithoutCancel(ctx)
	terr := call(tdCtx, tx.Teardown)
	// an overridden Teardown may forget the session, release is idempotent
	if rerr := b.release(tdCtx); terr == nil {
		terr = rerr
	}
	if terr != nil {
		slog.ErrorContext(ctx, "teardown failed", "err", terr)
		if err == nil {
			err = fmt.Errorf("teardown: %w", terr)
		}
	}
	lc.to(ctx, model.StateDone)

	run.Steps, run.Artifacts = b.results()
	run.Finished = e.deps.Now()
	run.Err = err
	if err == nil {
		run.Outcome = model.OutcomeSuccess
	}
	e.deps.Sink.SetSuccess(name, err == nil)
	slog.InfoContext(ctx, "transaction finished", slog.GroupAttrs("run", run.LogAttrs()...))
	return run
}

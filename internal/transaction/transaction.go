// Package transaction runs structured transactions: setup, an ordered list
// of measured steps and teardown, against one browser session.
//
// A structured transaction is a struct embedding Base and implementing Run:
//
//	type Login struct {
//		transaction.Base
//	}
//
//	func (l *Login) Run(ctx context.Context) error {
//		if err := l.Measure(ctx, "open", func(ctx context.Context) error {
//			return l.Session().Navigate(ctx, "https://example.com/login")
//		}); err != nil {
//			return err
//		}
//		...
//	}
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/artifact"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/session"
)

// Transaction is implemented by embedding Base. Base provides every method
// but Run.
type Transaction interface {
	Name() string
	Rename(name string)
	Setup(ctx context.Context) error
	Run(ctx context.Context) error
	Teardown(ctx context.Context) error

	base() *Base
}

// Deps are the collaborators bound to a Base by the Engine.
type Deps struct {
	Sink      *metrics.Sink
	Provider  session.Provider
	Artifacts *artifact.Capturer
	Now       func() time.Time
}

// StepError aborts a run. It wraps the error returned (or the panic raised)
// by the action of the step.
type StepError struct {
	Step     string
	Duration time.Duration
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %s: %v", e.Step, e.Duration.Round(time.Millisecond), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var ErrNoSession = errors.New("no session acquired")

// Base carries the session and the step bookkeeping of a structured
// transaction.
type Base struct {
	name string
	deps Deps

	mx        sync.Mutex
	sess      session.Session
	acquired  bool
	released  bool
	steps     []model.StepResult
	artifacts []string
	aborted   *StepError
}

func (b *Base) base() *Base {
	return b
}

func (b *Base) Name() string {
	return b.name
}

// Rename sets the usecase label, the Dispatcher renames every instance to
// the job ID.
func (b *Base) Rename(name string) {
	b.name = name
}

// Setup acquires the session.
func (b *Base) Setup(ctx context.Context) error {
	if b.deps.Provider == nil {
		return errors.New("transaction is not bound to a session provider")
	}
	sess, err := b.deps.Provider.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring session: %w", err)
	}
	b.mx.Lock()
	b.sess = sess
	b.acquired = true
	b.mx.Unlock()
	return nil
}

// Teardown releases the session if it was acquired. Calling it again is a
// no-op.
func (b *Base) Teardown(ctx context.Context) error {
	return b.release(ctx)
}

func (b *Base) release(ctx context.Context) error {
	b.mx.Lock()
	if !b.acquired || b.released {
		b.mx.Unlock()
		return nil
	}
	b.released = true
	sess := b.sess
	b.mx.Unlock()

	if err := sess.Close(); err != nil {
		slog.WarnContext(ctx, "releasing session", "err", err)
		return fmt.Errorf("releasing session: %w", err)
	}
	return nil
}

// Session returns the session acquired by Setup, nil before.
func (b *Base) Session() session.Session {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.sess
}

func (b *Base) now() time.Time {
	if b.deps.Now != nil {
		return b.deps.Now()
	}
	return time.Now()
}

// Measure runs one named step. A successful step records its duration. A
// failed step captures the artifacts of the session, counts the failure and
// returns a *StepError which aborts the run: every later Measure returns
// the same error without running its action.
func (b *Base) Measure(ctx context.Context, step string, action func(ctx context.Context) error) error {
	if stepErr := b.failure(); stepErr != nil {
		slog.WarnContext(ctx, "step skipped, run already aborted", "step", step, "failed_step", stepErr.Step)
		return stepErr
	}
	slog.DebugContext(ctx, "step started", "step", step)
	start := b.now()
	err := call(ctx, action)
	elapsed := b.now().Sub(start)

	b.mx.Lock()
	b.steps = append(b.steps, model.StepResult{Name: step, Duration: elapsed, Err: err})
	b.mx.Unlock()

	if err == nil {
		if b.deps.Sink != nil {
			b.deps.Sink.ObserveStep(b.name, step, elapsed)
		}
		slog.DebugContext(ctx, "step succeeded", "step", step, "duration", elapsed)
		return nil
	}

	stepErr := &StepError{Step: step, Duration: elapsed, Err: err}
	b.mx.Lock()
	b.aborted = stepErr
	b.mx.Unlock()

	slog.ErrorContext(ctx, "step failed", "step", step, "duration", elapsed, "err", err)
	b.capture(ctx, step)
	if b.deps.Sink != nil {
		b.deps.Sink.StepFailed(b.name, step)
	}
	return stepErr
}

// failure returns the error of the step which aborted the run, nil if no
// step failed.
func (b *Base) failure() *StepError {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.aborted
}

// capture is best effort, failures are only logged.
func (b *Base) capture(ctx context.Context, step string) {
	if b.deps.Artifacts == nil {
		slog.WarnContext(ctx, "artifact capture disabled, no capturer bound", "step", step)
		return
	}
	sess := b.Session()
	if sess == nil {
		slog.WarnContext(ctx, "no session to capture artifacts from", "step", step)
		return
	}
	// the step may have failed because ctx expired, capture anyway
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	paths, err := b.deps.Artifacts.Capture(captureCtx, sess, b.name, step, artifact.KindStepFailure)
	if err != nil {
		slog.ErrorContext(ctx, "artifact capture failed", "step", step, "err", err)
	}
	b.mx.Lock()
	b.artifacts = append(b.artifacts, paths...)
	b.mx.Unlock()
}

// call runs fn converting a panic into an error.
func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// bind resets the bookkeeping of b for a new run.
func (b *Base) bind(deps Deps) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.deps = deps
	b.sess = nil
	b.acquired = false
	b.released = false
	b.steps = nil
	b.artifacts = nil
	b.aborted = nil
}

func (b *Base) results() ([]model.StepResult, []string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]model.StepResult(nil), b.steps...), append([]string(nil), b.artifacts...)
}

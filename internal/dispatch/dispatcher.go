// Package dispatch decides how a job is executed. Structured jobs run
// through the transaction engine, opaque jobs as a process. Nothing escapes
// Dispatch: errors and panics end up in the returned Run and the metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
)

var ErrNotRegistered = errors.New("structured job has no registered transaction")

type Config struct {
	// Root is the working directory of opaque jobs.
	Root string
	// Interpreters by file extension. Sources without one are executed directly.
	Interpreters map[string][]string
}

type Dispatcher struct {
	engine   *transaction.Engine
	registry *transaction.Registry
	sink     *metrics.Sink
	cfg      Config
	detect   func(string) Mode
	now      func() time.Time

	mx      sync.Mutex
	runners map[string]*Runner
}

func New(engine *transaction.Engine, registry *transaction.Registry, sink *metrics.Sink, cfg Config) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		detect:   Detect,
		now:      time.Now,
		runners:  make(map[string]*Runner),
	}
}

// WithDetector replaces the detection of structured sources.
func (d *Dispatcher) WithDetector(detect func(string) Mode) *Dispatcher {
	d.detect = detect
	return d
}

// Dispatch executes job once. It never panics and never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, job model.Job) (run model.Run) {
	ctx = log.WithJob(ctx, job)
	run = model.NewRun(job.ID, d.now())
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "dispatch panicked", "panic", r, "stack", string(debug.Stack()))
			run.Outcome = model.OutcomeFailure
			run.Err = fmt.Errorf("dispatch panicked: %v", r)
			run.Finished = d.now()
			d.sink.Touch(job.ID, run.Finished)
			d.sink.SetSuccess(job.ID, false)
		}
	}()

	mode := d.detect(job.Source)
	slog.DebugContext(ctx, "dispatching job", "mode", mode.String())
	if mode == Structured {
		return d.structured(ctx, job, run)
	}
	return d.opaque(ctx, job, run)
}

func (d *Dispatcher) structured(ctx context.Context, job model.Job, run model.Run) model.Run {
	factories := d.registry.Lookup(job.RelPath)
	if len(factories) == 0 {
		// detected but not compiled in, the binary is older than the source
		slog.WarnContext(ctx, "no transaction registered for structured source, rebuild the monitor")
		run.Finished = d.now()
		d.sink.Touch(job.ID, run.Finished)
		run.Err = ErrNotRegistered
		return run
	}

	run.Outcome = model.OutcomeSuccess
	for i, factory := range factories {
		tx := factory()
		tx.Rename(job.ID)
		slog.InfoContext(ctx, "running structured transaction", "index", i)
		r := d.engine.Execute(log.WithRun(ctx, run), tx)
		run.Steps = append(run.Steps, r.Steps...)
		run.Artifacts = append(run.Artifacts, r.Artifacts...)
		run.State = r.State
		if r.Outcome != model.OutcomeSuccess {
			run.Outcome = r.Outcome
			run.Err = errors.Join(run.Err, r.Err)
		}
	}
	if run.Outcome != model.OutcomeSuccess {
		// a later transaction of the same source must not hide an earlier failure
		d.sink.SetSuccess(job.ID, false)
	}
	run.Finished = d.now()
	return run
}

func (d *Dispatcher) runner(jobID string) *Runner {
	d.mx.Lock()
	defer d.mx.Unlock()
	r, ok := d.runners[jobID]
	if !ok {
		r = NewRunner()
		d.runners[jobID] = r
	}
	return r
}

// Command returns the process executing an opaque job.
func (d *Dispatcher) Command(job model.Job) Command {
	cmd := Command{
		Path:    job.Source,
		Dir:     d.cfg.Root,
		Env:     d.environ(),
		Timeout: job.Timeout,
	}
	if interp, ok := d.cfg.Interpreters[strings.ToLower(filepath.Ext(job.Source))]; ok && len(interp) > 0 {
		cmd.Path = interp[0]
		cmd.Args = append(append([]string(nil), interp[1:]...), job.Source)
	}
	return cmd
}

func (d *Dispatcher) environ() []string {
	root := d.cfg.Root
	var env []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		switch k {
		case "MONITOR_ROOT", "PYTHONPATH", "PATH", "PWD":
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"MONITOR_ROOT="+root,
		"PYTHONPATH="+prepend(root, os.Getenv("PYTHONPATH")),
		"PATH="+prepend(filepath.Join(root, "bin"), os.Getenv("PATH")),
	)
}

func prepend(dir, list string) string {
	if list == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + list
}

func (d *Dispatcher) opaque(ctx context.Context, job model.Job, run model.Run) model.Run {
	d.sink.Touch(job.ID, run.Started)
	run.State = model.StateRunning

	runner := d.runner(job.ID)
	cmd := d.Command(job)
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "line", line)
	}
	slog.InfoContext(ctx, "running opaque job", "path", cmd.Path, "args", cmd.Args)

	if err := runner.Start(ctx, cmd, stderr); err != nil {
		slog.ErrorContext(ctx, "opaque job could not be started", "err", err)
		return d.finishOpaque(ctx, job, run, Result{Started: run.Started, Stopped: d.now(), Err: err})
	}
	return d.finishOpaque(ctx, job, run, <-runner.WaitChan())
}

func (d *Dispatcher) finishOpaque(ctx context.Context, job model.Job, run model.Run, res Result) model.Run {
	run.State = model.StateDone
	run.Finished = d.now()
	step := model.StepResult{Name: model.FullExecutionStep, Duration: res.Duration(), Err: res.Err}
	run.Steps = []model.StepResult{step}
	if res.Err == nil {
		run.Outcome = model.OutcomeSuccess
		d.sink.ObserveStep(job.ID, model.FullExecutionStep, step.Duration)
		d.sink.SetSuccess(job.ID, true)
		slog.InfoContext(ctx, "opaque job succeeded", "duration", step.Duration)
		return run
	}

	run.Err = fmt.Errorf("%s: %w", model.FullExecutionStep, res.Err)
	d.sink.SetSuccess(job.ID, false)
	slog.ErrorContext(ctx, "opaque job failed",
		"duration", step.Duration,
		"err", res.Err,
		"stderr", stderrText(res.Stderr),
	)
	if res.Stdout != nil && res.Stdout.Len() > 0 {
		slog.DebugContext(ctx, "opaque job output", "stdout", res.Stdout.String())
	}
	return run
}

package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
)

// StderrFunc receives every line the process writes to stderr.
type StderrFunc func(ctx context.Context, line string)

// stderrTail is the number of stderr lines kept in the Result.
const stderrTail = 50

// Runner runs at most one process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: model.ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	// Stderr holds the last lines written to stderr.
	Stderr []string
	Err    error
}

func (r Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Start runs the underlying process, it ensures only a single instance is
// active and returns model.ErrRunInProgress or an exec error, otherwise nil.
// It does NOT wait for the command to finish, use WaitChan instead.
// Note it spawns an internal goroutine which waits for the command.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return model.ErrRunInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Err:  nil,
	}

	r.cancelFunc = nil
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	// children holding the pipes must not block Wait forever after a kill
	cmd.WaitDelay = 5 * time.Second
	stderr := &lineWriter{ctx: ctx, fn: stderrFunc}
	cmd.Stderr = stderr
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now()
		r.result.Err = err
		r.cancel()
		return err
	}
	r.cmd = cmd

	go r.wait(cmd, stderr)
	return nil
}

func (r *Runner) cancel() {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
}

// lineWriter splits stderr into lines. exec copies into it from a single
// goroutine which is done once Wait returns.
type lineWriter struct {
	ctx  context.Context
	fn   StderrFunc
	buf  []byte
	tail []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(bytes.TrimSuffix(w.buf[:i], []byte("\r"))))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) line(l string) {
	if w.fn != nil {
		w.fn(w.ctx, l)
	}
	if len(w.tail) == stderrTail {
		w.tail = w.tail[1:]
	}
	w.tail = append(w.tail, l)
}

// flush emits an unterminated last line.
func (w *lineWriter) flush() []string {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
	return w.tail
}

func (r *Runner) wait(cmd *exec.Cmd, stderr *lineWriter) {
	err := cmd.Wait()
	stopped := time.Now()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancel()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Stderr = stderr.flush()
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. If nothing runs the
// last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns the last command result, or a result with
// model.ErrNotStarted if nothing has been executed yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		return Result{Path: r.result.Path, Args: r.result.Args, Started: r.result.Started, Err: model.ErrRunInProgress}
	}
	return r.result
}

// Running reports whether a process is active.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

func stderrText(lines []string) string {
	return strings.Join(lines, "\n")
}

package dispatch_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/dispatch"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := dispatch.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, model.ErrNotStarted)
	})

	cmd := dispatch.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		require.True(t, runner.Running())
		res := runner.Result()
		require.ErrorIs(t, res.Err, model.ErrRunInProgress)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, model.ErrRunInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Duration(), 100*time.Millisecond)
		require.Error(t, res.Err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
	})
	t.Run("restart", func(t *testing.T) {
		// waiters of the previous run are gone, no send on a closed channel
		require.NoError(t, runner.Start(ctx, cmd, nil))
		res := <-runner.WaitChan()
		require.Error(t, res.Err)
		require.False(t, runner.Running())
		// nothing runs, the last result is delivered at once
		res = <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := dispatch.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.EqualError(t, execErr.Err, "executable file not found in $PATH")
		require.False(t, runner.Running())
	})
}

func TestStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := dispatch.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\nlast' 1>&2"},
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stderr = append(stderr, line)
	}

	runner := dispatch.NewRunner()
	err = runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, "stdout\n", res.Stdout.String())
	require.Equal(t, []string{"stderr", "stderr", "last"}, res.Stderr)
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"stderr", "stderr", "last"}, stderr)
}

func TestRunner_cancel(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	runner := dispatch.NewRunner()
	require.NoError(t, runner.Start(ctx, dispatch.Command{Path: sleep, Args: []string{"30"}, Timeout: time.Minute}, nil))
	cancel()

	select {
	case res := <-runner.WaitChan():
		require.Error(t, res.Err)
		require.Less(t, res.Duration(), 10*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("process was not killed on cancel")
	}
}

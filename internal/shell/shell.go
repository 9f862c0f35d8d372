// Package shell runs shell scripts as supervised subprocesses: each script
// gets its own process group, an optional timeout and a grace period between
// the polite termination signal and the hard kill.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/specialistvlad/burstgridci/internal/ctxlog"
)

// ErrTimeout is returned when a script exceeds its time budget.
var ErrTimeout = errors.New("timed out")

// DefaultGracePeriod is used when Command.GracePeriod is zero.
const DefaultGracePeriod = 10 * time.Second

// Command describes one script invocation.
type Command struct {
	// Script is passed to `sh -c`.
	Script string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the process environment.
	Env []string
	// Output receives combined stdout and stderr. Nil discards it.
	Output io.Writer
	// Timeout bounds the run; zero means no limit.
	Timeout time.Duration
	// GracePeriod is how long a terminated script may take to exit before
	// it is killed.
	GracePeriod time.Duration
}

// Run executes c and returns the process exit code. A non-zero exit is
// reported as an error alongside its code; timeouts and cancellation return
// exit code -1.
func Run(ctx context.Context, c Command) (int, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	grace := c.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	cmd.WaitDelay = grace
	configureProcessGroup(cmd)

	err := cmd.Run()
	// Members of the group that ignored SIGTERM, or that were started in the
	// background and outlived the shell, must not outlive Run.
	if killProcessGroup(cmd) {
		ctxlog.FromContext(ctx).Debug("Killed processes left behind by the script.", "pid", cmd.Process.Pid)
	}

	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return -1, fmt.Errorf("%w after %s", ErrTimeout, c.Timeout)
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success():
		// The shell exited zero; only a background child kept its output open.
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return -1, err
}

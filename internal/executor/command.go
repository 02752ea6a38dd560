package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// Command returns a Task that runs an external process. On context
// cancellation the process receives SIGTERM; if it is still alive after
// grace it gets SIGKILL. Stdout and stderr are captured in full.
func Command(grace time.Duration, name string, arg ...string) Task {
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}

	return func(ctx context.Context) (Output, error) {
		var stdout, stderr bytes.Buffer

		cmd := exec.CommandContext(ctx, name, arg...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = grace

		err := cmd.Run()

		out := Output{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				out.ExitCode = exitErr.ExitCode()
			} else {
				out.ExitCode = -1
			}
			return out, err
		}
		return out, nil
	}
}

// Command returns a Task bound to this executor's kill grace, so command
// jobs pick up the configured SIGTERM-to-SIGKILL window.
func (e *Executor) Command(name string, arg ...string) Task {
	return Command(e.killGrace, name, arg...)
}

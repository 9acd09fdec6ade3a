package adept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrLaunch is returned when a tool could not be started at all.
var ErrLaunch = errors.New("tool could not be launched")

// waitDelay bounds how long Run waits for output pipes after the process
// was killed or exited while a grandchild still holds them open.
const waitDelay = 5 * time.Second

// Result describes a finished tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner launches an external tool and waits for it to exit.
//
// A non-nil error means the process never ran (wrapping ErrLaunch). A process
// that ran and exited non-zero is reported through Result.ExitCode with a nil
// error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs tools with os/exec. Cancelling ctx kills the process.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		// A cancelled caller is not a tool timeout.
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return res, nil
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return res, nil
	default:
		return res, fmt.Errorf("%w: %s: %v", ErrLaunch, name, err)
	}
}

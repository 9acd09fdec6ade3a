package adept

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrActivationFailed wraps every failure to produce the activation directory.
var ErrActivationFailed = errors.New("device activation failed")

// Activator lazily creates the shared activation directory. Concurrent
// callers share a single attempt; once it has succeeded, Ensure never
// touches the filesystem again.
type Activator struct {
	tools   *Toolchain
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	done  atomic.Bool
}

// NewActivator returns an Activator driving tools. The shared attempt is not
// tied to any one caller's context, so timeout is its only bound; zero means
// none.
func NewActivator(tools *Toolchain, timeout time.Duration, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{tools: tools, timeout: timeout, logger: logger}
}

// Ensure makes sure the activation directory exists, running the
// activation tool if it does not. The directory's contents are not
// validated. A caller whose ctx ends stops waiting with ctx.Err(); the
// attempt carries on for the others.
func (a *Activator) Ensure(ctx context.Context) error {
	if a.done.Load() {
		return nil
	}
	ch := a.group.DoChan("activate", func() (any, error) {
		if a.done.Load() {
			return nil, nil
		}
		if err := a.activate(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		a.done.Store(true)
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the activation directory is currently present.
func (a *Activator) Ready() bool {
	info, err := os.Stat(a.tools.ActivationDir)
	return err == nil && info.IsDir()
}

func (a *Activator) activate(ctx context.Context) error {
	dir := a.tools.ActivationDir

	_, err := os.Stat(dir)
	if err == nil {
		a.logger.Info("activation_present", "dir", dir)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %v", ErrActivationFailed, dir, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	a.logger.Info("activation_starting", "dir", dir, "tool", a.tools.ActivateTool)
	res, err := a.tools.Activate(ctx)
	if err != nil {
		// A half-written identity would be skipped by the existence check on
		// the next start.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			a.logger.Warn("activation_cleanup_failed", "dir", dir, "err", rmErr)
		}
		return fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}

	a.logger.Info("activation_complete", "dir", dir, "ms", res.Duration.Milliseconds())
	return nil
}

package adept

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ExitError reports a tool that ran but exited non-zero (or was killed
// after its timeout).
type ExitError struct {
	Tool   string
	Result Result
}

func (e *ExitError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("%s timed out after %s", e.Tool, e.Result.Duration.Round(time.Millisecond))
	}
	msg := strings.TrimSpace(string(e.Result.Stderr))
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Result.ExitCode, msg)
}

// Output returns the tool's trimmed standard output.
func (e *ExitError) Output() string {
	return strings.TrimSpace(string(e.Result.Stdout))
}

// Toolchain holds the locations of the three ADEPT tools and the activation
// directory they share.
type Toolchain struct {
	Runner        Runner
	ActivateTool  string
	DownloadTool  string
	RemoveTool    string
	ActivationDir string

	// Timeout bounds a single Download or RemoveDRM call. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration
}

// Activate creates a new anonymous device identity in the activation
// directory.
func (t *Toolchain) Activate(ctx context.Context) (Result, error) {
	return t.run(ctx, t.ActivateTool, "-a", "-O", t.ActivationDir)
}

// Download fulfils the voucher at licensePath and writes the protected book
// to outPath.
func (t *Toolchain) Download(ctx context.Context, licensePath, outPath string) (Result, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.run(ctx, t.DownloadTool, "-D", t.ActivationDir, "-o", outPath, licensePath)
}

// RemoveDRM strips the DRM from bookPath in place.
func (t *Toolchain) RemoveDRM(ctx context.Context, bookPath string) (Result, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.run(ctx, t.RemoveTool, "-o", bookPath, "-D", t.ActivationDir, bookPath)
}

func (t *Toolchain) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.Timeout)
}

func (t *Toolchain) run(ctx context.Context, tool string, args ...string) (Result, error) {
	res, err := t.Runner.Run(ctx, tool, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 || res.TimedOut {
		return res, &ExitError{Tool: filepath.Base(tool), Result: res}
	}
	return res, nil
}

// Package adepttest provides a scriptable adept.Runner for tests.
package adepttest

import (
	"context"
	"path/filepath"
	"sync"

	"acsm-bridge/internal/adept"
)

// Call records one invocation seen by a FakeRunner.
type Call struct {
	Tool string
	Args []string
}

// Handler simulates one tool. It may touch the filesystem like the real tool
// would.
type Handler func(ctx context.Context, args []string) (adept.Result, error)

// FakeRunner dispatches on the base name of the tool. Tools without a
// handler succeed with empty output.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]Handler)}
}

// Handle registers h for tool.
func (f *FakeRunner) Handle(tool string, h Handler) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = h
	return f
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (adept.Result, error) {
	tool := filepath.Base(name)

	f.mu.Lock()
	f.calls = append(f.calls, Call{Tool: tool, Args: append([]string(nil), args...)})
	h := f.handlers[tool]
	f.mu.Unlock()

	if h == nil {
		return adept.Result{}, nil
	}
	return h(ctx, args)
}

// Calls returns the invocations of tool, or of every tool when tool is empty.
func (f *FakeRunner) Calls(tool string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Call
	for _, c := range f.calls {
		if tool == "" || c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// ArgAfter returns the argument following flag, or "" if absent.
func ArgAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

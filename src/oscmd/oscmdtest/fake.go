// Package oscmdtest provides a scripted oscmd.Runner for tests.
package oscmdtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"HTTPCaptureBox/src/oscmd"
)

// Fake is a scripted Runner for tests of the strategies built on oscmd.
// Handler decides the outcome of every call; Calls records them.
type Fake struct {
	mu      sync.Mutex
	Calls   []oscmd.Command
	Handler func(cmd oscmd.Command) (oscmd.Result, error)
}

func (f *Fake) Run(ctx context.Context, cmd oscmd.Command) (oscmd.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	h := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return oscmd.Result{ExitCode: -1}, err
	}
	if h == nil {
		return oscmd.Result{}, nil
	}
	return h(cmd)
}

// Commands returns the recorded calls rendered as strings.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Failure builds a failed Result with stderr set, like a real helper exiting 1.
func Failure(name, stderr string) (oscmd.Result, error) {
	return oscmd.Result{Stderr: stderr, ExitCode: 1}, fmt.Errorf("%s: exit status 1", name)
}

// Contains reports whether any recorded call starts with name and mentions every fragment.
func (f *Fake) Contains(name string, fragments ...string) bool {
	for _, c := range f.Commands() {
		if !strings.HasPrefix(c, name) {
			continue
		}
		ok := true
		for _, frag := range fragments {
			if !strings.Contains(c, frag) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Package oscmd runs OS helper processes (registry tools, certutil, networksetup,
// PowerShell...) with a hard timeout and whole-tree termination.
package oscmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout applies when a Command carries none.
const DefaultTimeout = 15 * time.Second

// Command describes one helper invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// String renders the command for logs and diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is what the helper produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Diagnostic joins trimmed stdout and stderr for operator debugging.
func (r Result) Diagnostic() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ErrTimeout is returned (wrapped) when a helper was killed for exceeding its timeout.
var ErrTimeout = errors.New("command timed out")

// Runner is the port the system proxy and certificate managers shell out through.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands on the host OS.
type ExecRunner struct {
	// Timeout is used when Command.Timeout is zero.
	Timeout time.Duration
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

// Run starts the command in its own process group, waits for it, and kills the
// whole group when ctx is done or the timeout expires. A non-zero exit code is
// reported as an error together with the captured output.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	prepareTree(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }
	// grandchildren holding the pipes open must not stall Wait forever
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, fmt.Errorf("%s: %w after %s", c.Name, ErrTimeout, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", c.Name, err)
	}
	return res, nil
}

// Error is a failed helper invocation together with what it printed.
type Error struct {
	Command Command
	Result  Result
	Err     error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Check runs c and wraps any failure in *Error so callers can surface the
// helper's output.
func Check(ctx context.Context, r Runner, c Command) (Result, error) {
	res, err := r.Run(ctx, c)
	if err != nil {
		return res, &Error{Command: c, Result: res, Err: err}
	}
	return res, nil
}

// DiagnosticOf returns the captured output carried by err, or "".
func DiagnosticOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Result.Diagnostic()
	}
	return ""
}

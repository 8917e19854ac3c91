// Package process runs the external archive and mount tools.
//
// Invocations are synchronous and run to completion: a cancelled context
// never interrupts a tool that is rewriting an archive or changing a mount.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrToolNotFound is returned when a tool binary cannot be started.
var ErrToolNotFound = errors.New("tool not found")

// Result holds the captured output of a finished tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns stderr and stdout, trimmed and joined, for error messages.
func (r Result) Output() string {
	stderr := strings.TrimSpace(string(r.Stderr))
	stdout := strings.TrimSpace(string(r.Stdout))
	switch {
	case stderr != "" && stdout != "":
		return stderr + "\n" + stdout
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}

// ExitError is returned when a tool exits with a nonzero status.
// The full captured output is preserved for diagnostics.
type ExitError struct {
	Name   string
	Args   []string
	Result Result
}

// Error implements error.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.Result.ExitCode)
	if out := e.Result.Output(); out != "" {
		msg += ": " + out
	}
	return msg
}

// CommandLine returns the invocation as a single shell-like string.
func (e *ExitError) CommandLine() string {
	return CommandLine(e.Name, e.Args...)
}

// CommandLine formats name and args for logs. Arguments containing spaces are
// quoted.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Runner executes an external command and captures its output.
type Runner interface {
	// Run executes name with args and waits for it to exit.
	// A nonzero exit status is reported as *ExitError alongside the Result.
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct {
	env    []string
	logger *slog.Logger
}

// ExecOption configures an ExecRunner.
type ExecOption func(*ExecRunner)

// WithEnv appends environment variables (KEY=VALUE) to the tool environment.
func WithEnv(env ...string) ExecOption {
	return func(r *ExecRunner) {
		r.env = append(r.env, env...)
	}
}

// WithLogger sets the logger used for debug traces of each invocation.
func WithLogger(logger *slog.Logger) ExecOption {
	return func(r *ExecRunner) {
		r.logger = logger
	}
}

// NewExecRunner creates a runner that executes real binaries.
func NewExecRunner(opts ...ExecOption) *ExecRunner {
	r := &ExecRunner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	// exec.Command rather than CommandContext: tools always run to completion.
	cmd := exec.Command(name, args...)
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
				return res, fmt.Errorf("%w: %s: %w", ErrToolNotFound, name, err)
			}
			return res, fmt.Errorf("starting %s: %w", name, err)
		}
		res.ExitCode = exitErr.ExitCode()
		r.logger.DebugContext(ctx, "tool failed",
			"command", CommandLine(name, args...),
			"exit_code", res.ExitCode,
			"duration", time.Since(start),
		)
		return res, &ExitError{Name: name, Args: args, Result: res}
	}

	r.logger.DebugContext(ctx, "tool finished",
		"command", CommandLine(name, args...),
		"duration", time.Since(start),
	)
	return res, nil
}

// Compile-time interface check
var _ Runner = (*ExecRunner)(nil)

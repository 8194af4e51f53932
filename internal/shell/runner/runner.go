// Package runner executes external tools with an explicit working
// directory, environment and timeout. The orchestrator's own working
// directory is never changed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrToolNotFound is returned when the executable cannot be found.
	ErrToolNotFound = errors.New("tool not found")
	// ErrTimeout is returned when the command exceeded its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrExitStatus is returned when the command exited non-zero.
	ErrExitStatus = errors.New("command exited with non-zero status")
)

// CommandError describes a failed command.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string // tail of the combined output
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if errors.Is(e.Err, ErrExitStatus) {
		msg = fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Types
// =============================================================================

// DefaultTimeout applies when a Command sets none.
const DefaultTimeout = 2 * time.Minute

const (
	maxCapturedOutput = 64 * 1024
	errorOutputTail   = 2048
	waitDelay         = 5 * time.Second
)

// Command is one invocation of an external tool.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // nil inherits the orchestrator's environment
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished command produced.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner runs commands. Implementations must honor Command.Dir and
// Command.Timeout.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// =============================================================================
// ExecRunner
// =============================================================================

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "runner")}
}

// Run executes cmd and waits for it. A non-zero exit returns the Result
// together with a *CommandError wrapping ErrExitStatus.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &tailBuffer{max: maxCapturedOutput}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	r.logger.Debug("command finished",
		"command", c.String(),
		"dir", c.Dir,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	)

	if err == nil {
		return res, nil
	}

	cerr := &CommandError{Command: c.String(), ExitCode: res.ExitCode, Output: tail(res.Output, errorOutputTail)}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		cerr.Err = fmt.Errorf("%w: %s", ErrToolNotFound, c.Name)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		cerr.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case errors.As(err, &exitErr):
		cerr.Err = ErrExitStatus
	case isMissingExecutable(err, c.Dir):
		cerr.Err = fmt.Errorf("%w: %s", ErrToolNotFound, c.Name)
	default:
		cerr.Err = err
	}
	return res, cerr
}

// Split breaks a configured command line such as "docker compose" into
// its executable and leading arguments.
func Split(commandLine string) (string, []string, error) {
	words, err := shellwords.Parse(commandLine)
	if err != nil {
		return "", nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return words[0], words[1:], nil
}

// IsToolNotFound reports whether err means the executable is missing.
func IsToolNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}

// IsTimeout reports whether err means the command ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// =============================================================================
// Helpers
// =============================================================================

// isMissingExecutable catches an explicit executable path that does not
// exist, which exec reports as a plain *fs.PathError. A missing Dir fails
// the same way, so it is ruled out first.
func isMissingExecutable(err error, dir string) bool {
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if dir == "" {
		return true
	}
	_, statErr := os.Stat(dir)
	return statErr == nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

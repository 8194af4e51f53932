package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/djangohost/internal/shell/runner"
)

// =============================================================================
// Compose CLI
// =============================================================================

// ComposeConfig configures the compose command line.
type ComposeConfig struct {
	// Command is the compose invocation, e.g. "docker compose" or
	// "docker-compose". It is split with shell quoting rules.
	Command     string
	UpTimeout   time.Duration
	DownTimeout time.Duration
}

// DefaultComposeConfig returns the default compose configuration.
func DefaultComposeConfig() ComposeConfig {
	return ComposeConfig{
		Command:     "docker compose",
		UpTimeout:   60 * time.Second,
		DownTimeout: 30 * time.Second,
	}
}

// Compose starts and stops container groups through the compose CLI. Every
// invocation runs in the group's directory; the caller's working directory
// is never changed.
type Compose struct {
	runner runner.Runner
	config ComposeConfig
	logger *slog.Logger
}

// NewCompose creates a compose controller.
func NewCompose(r runner.Runner, cfg ComposeConfig, logger *slog.Logger) *Compose {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultComposeConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.UpTimeout <= 0 {
		cfg.UpTimeout = def.UpTimeout
	}
	if cfg.DownTimeout <= 0 {
		cfg.DownTimeout = def.DownTimeout
	}
	return &Compose{
		runner: r,
		config: cfg,
		logger: logger.With("component", "compose"),
	}
}

// Up starts the group defined in dir in the background.
func (c *Compose) Up(ctx context.Context, dir, project string) (runner.Result, error) {
	return c.run(ctx, "Up", dir, c.config.UpTimeout, "-p", project, "up", "-d")
}

// Down stops and removes the group's containers.
func (c *Compose) Down(ctx context.Context, dir, project string) (runner.Result, error) {
	return c.run(ctx, "Down", dir, c.config.DownTimeout, "-p", project, "down")
}

func (c *Compose) run(ctx context.Context, op, dir string, timeout time.Duration, args ...string) (runner.Result, error) {
	name, base, err := runner.Split(c.config.Command)
	if err != nil {
		return runner.Result{}, NewDockerError(op, "group", args[1], "invalid compose command: "+err.Error(), err)
	}

	cmd := runner.Command{
		Name:    name,
		Args:    append(base, args...),
		Dir:     dir,
		Timeout: timeout,
	}
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		c.logger.Warn("compose command failed", "op", op, "project", args[1], "dir", dir, "error", err)
		switch {
		case runner.IsToolNotFound(err):
			return res, err
		case runner.IsTimeout(err):
			return res, NewDockerError(op, "group", args[1], fmt.Sprintf("timed out after %s", timeout), ErrTimeout)
		}
		return res, NewDockerError(op, "group", args[1], err.Error(), ErrComposeFailed)
	}

	c.logger.Info("compose command finished", "op", op, "project", args[1], "duration", res.Duration)
	return res, nil
}

// Package manage runs the project's management commands that prepare it
// for serving: migration planning, migration and static collection.
package manage

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/runner"
)

const stepName = "migrate"

// Config holds the per-command timeouts.
type Config struct {
	Python                string
	MakeMigrationsTimeout time.Duration
	MigrateTimeout        time.Duration
	CollectStaticTimeout  time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Python:                "python3",
		MakeMigrationsTimeout: 60 * time.Second,
		MigrateTimeout:        120 * time.Second,
		CollectStaticTimeout:  60 * time.Second,
	}
}

// StepResult is the outcome of one management command.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report lists the commands in the order they ran.
type Report struct {
	Steps []StepResult `json:"steps"`
}

// Failed returns the names of the commands that did not succeed.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if !s.OK {
			out = append(out, s.Name)
		}
	}
	return out
}

// Runner runs the management commands for one project.
type Runner struct {
	runner runner.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner. Zero config values fall back to DefaultConfig.
func New(r runner.Runner, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.MakeMigrationsTimeout == 0 {
		cfg.MakeMigrationsTimeout = def.MakeMigrationsTimeout
	}
	if cfg.MigrateTimeout == 0 {
		cfg.MigrateTimeout = def.MigrateTimeout
	}
	if cfg.CollectStaticTimeout == 0 {
		cfg.CollectStaticTimeout = def.CollectStaticTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{runner: r, cfg: cfg, logger: logger.With("component", "manage")}
}

// Run executes makemigrations, migrate and collectstatic in that order from
// entryDir, the directory holding manage.py. Non-zero exits and timeouts
// are recorded and do not stop later commands. Only a missing interpreter
// is returned as an error.
func (m *Runner) Run(ctx context.Context, entryDir string, env []string) (Report, error) {
	python, pyArgs, err := runner.Split(m.cfg.Python)
	if err != nil {
		return Report{}, domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, stepName, "python command is not configured", err)
	}

	steps := []struct {
		name    string
		args    []string
		timeout time.Duration
	}{
		{"makemigrations", []string{"makemigrations"}, m.cfg.MakeMigrationsTimeout},
		{"migrate", []string{"migrate", "--noinput"}, m.cfg.MigrateTimeout},
		{"collectstatic", []string{"collectstatic", "--noinput"}, m.cfg.CollectStaticTimeout},
	}

	var rep Report
	for _, st := range steps {
		args := append(append([]string(nil), pyArgs...), "manage.py")
		args = append(args, st.args...)
		res, err := m.runner.Run(ctx, runner.Command{
			Name:    python,
			Args:    args,
			Dir:     filepath.Clean(entryDir),
			Env:     env,
			Timeout: st.timeout,
		})

		sr := StepResult{Name: st.name, OK: err == nil, ExitCode: res.ExitCode, Output: res.Output, Duration: res.Duration}
		if err != nil {
			if runner.IsToolNotFound(err) {
				return rep, domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, stepName, "python interpreter is not available", err)
			}
			sr.Error = err.Error()
			m.logger.Warn("management command failed",
				"command", st.name,
				"dir", entryDir,
				"exit_code", res.ExitCode,
				"timeout", runner.IsTimeout(err),
				"error", err,
			)
		} else {
			m.logger.Info("management command finished", "command", st.name, "duration", res.Duration)
		}
		rep.Steps = append(rep.Steps, sr)
	}
	return rep, nil
}

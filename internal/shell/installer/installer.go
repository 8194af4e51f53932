// Package installer ensures a project's Python dependencies are present.
// Install failures are reported, never fatal; a missing interpreter or pip
// is.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/deps"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/runner"
)

// Mode selects where packages are installed.
type Mode string

const (
	// ModeAuto installs directly inside a virtualenv and per-user otherwise.
	ModeAuto   Mode = "auto"
	ModeSystem Mode = "system"
	ModeUser   Mode = "user"
)

const stepName = "install"

// Config holds installer settings.
type Config struct {
	Python        string // command line for the interpreter, e.g. "python3"
	Mode          Mode
	ProbeTimeout  time.Duration
	BulkTimeout   time.Duration
	SingleTimeout time.Duration
	ImportTimeout time.Duration
}

// DefaultConfig returns the default installer configuration.
func DefaultConfig() Config {
	return Config{
		Python:        "python3",
		Mode:          ModeAuto,
		ProbeTimeout:  5 * time.Second,
		BulkTimeout:   300 * time.Second,
		SingleTimeout: 180 * time.Second,
		ImportTimeout: 120 * time.Second,
	}
}

// Report describes what an install run did.
type Report struct {
	Source         string   `json:"source"`
	UserInstall    bool     `json:"user_install"`
	Bulk           bool     `json:"bulk"`
	AlreadyPresent []string `json:"already_present,omitempty"`
	Installed      []string `json:"installed,omitempty"`
	Failed         []string `json:"failed,omitempty"`
	Skipped        []string `json:"skipped,omitempty"`
}

// OK reports whether every attempted package installed.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Summary is a one-line description for events and warnings.
func (r Report) Summary() string {
	s := fmt.Sprintf("dependencies from %s: %d installed, %d failed, %d skipped",
		r.Source, len(r.Installed), len(r.Failed), len(r.Skipped))
	if len(r.Failed) > 0 {
		s += " (" + strings.Join(r.Failed, ", ") + ")"
	}
	return s
}

// =============================================================================
// Installer
// =============================================================================

// Installer resolves and installs dependencies for one project tree.
type Installer struct {
	runner runner.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates an Installer. Zero config values fall back to DefaultConfig.
func New(r runner.Runner, cfg Config, logger *slog.Logger) *Installer {
	def := DefaultConfig()
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.BulkTimeout == 0 {
		cfg.BulkTimeout = def.BulkTimeout
	}
	if cfg.SingleTimeout == 0 {
		cfg.SingleTimeout = def.SingleTimeout
	}
	if cfg.ImportTimeout == 0 {
		cfg.ImportTimeout = def.ImportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		runner: r,
		cfg:    cfg,
		logger: logger.With("component", "installer"),
	}
}

// session carries the per-run decisions so every pip call uses the same
// install location.
type session struct {
	python     string
	pythonArgs []string
	dir        string
	user       bool
	report     *Report
}

// Install ensures the baseline, then installs what the manifest (or, with
// no manifest, the import scan) asks for. workDir is the directory the
// commands run in and fsys is the project tree.
func (i *Installer) Install(ctx context.Context, workDir string, fsys fs.FS) (Report, error) {
	rep := Report{}
	s, err := i.start(ctx, workDir, &rep)
	if err != nil {
		return rep, err
	}

	if err := i.ensureBaseline(ctx, s); err != nil {
		return rep, err
	}

	plan, err := i.plan(fsys)
	if err != nil {
		i.logger.Warn("dependency scan failed", "dir", workDir, "error", err)
	}
	rep.Source = plan.Source
	rep.Skipped = append(rep.Skipped, plan.Skipped...)
	for _, pkg := range plan.Skipped {
		i.logger.Info("skipping denylisted package", "package", pkg)
	}
	if plan.Empty() {
		return rep, nil
	}

	if plan.Source == deps.SourceImports {
		return rep, i.installEach(ctx, s, plan.Packages, i.cfg.ImportTimeout)
	}

	ok, err := i.installBulk(ctx, s, plan.Packages)
	if err != nil {
		return rep, err
	}
	if ok {
		rep.Bulk = true
		rep.Installed = append(rep.Installed, plan.Packages...)
		return rep, nil
	}
	return rep, i.installEach(ctx, s, plan.Packages, i.cfg.SingleTimeout)
}

// start resolves the interpreter, checks pip and picks the install mode.
func (i *Installer) start(ctx context.Context, workDir string, rep *Report) (*session, error) {
	python, args, err := runner.Split(i.cfg.Python)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, stepName, "python command is not configured", err)
	}
	s := &session{python: python, pythonArgs: args, dir: workDir, report: rep}

	res, err := i.python(ctx, s, i.cfg.ProbeTimeout, "-c", "import sys; print(sys.prefix != sys.base_prefix)")
	if err != nil {
		return nil, toolError(err, "python interpreter is not available")
	}
	inVenv := strings.TrimSpace(res.Output) == "True"

	if _, err := i.python(ctx, s, i.cfg.ProbeTimeout*2, "-m", "pip", "--version"); err != nil {
		return nil, toolError(err, "pip is not available for "+i.cfg.Python)
	}

	switch i.cfg.Mode {
	case ModeUser:
		s.user = true
	case ModeSystem:
		s.user = false
	default:
		s.user = !inVenv
	}
	rep.UserInstall = s.user
	i.logger.Debug("install mode selected", "user", s.user, "virtualenv", inVenv)
	return s, nil
}

func (i *Installer) ensureBaseline(ctx context.Context, s *session) error {
	for _, req := range deps.Baseline {
		_, err := i.python(ctx, s, i.cfg.ProbeTimeout, "-c", "import "+req.Module)
		if err == nil {
			s.report.AlreadyPresent = append(s.report.AlreadyPresent, req.Package)
			continue
		}
		if runner.IsToolNotFound(err) {
			return toolError(err, "python interpreter is not available")
		}
		if err := i.installOne(ctx, s, req.Package, i.cfg.SingleTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) plan(fsys fs.FS) (deps.Plan, error) {
	if p, ok := deps.FindManifest(fsys); ok {
		data, err := fs.ReadFile(fsys, p)
		if err == nil {
			return deps.ParseManifest(p, string(data)), nil
		}
		i.logger.Warn("manifest unreadable, scanning imports", "manifest", p, "error", err)
	}
	return deps.AnalyzeImports(fsys)
}

// installBulk writes the filtered list to a scratch requirements file and
// installs it in one call.
func (i *Installer) installBulk(ctx context.Context, s *session, pkgs []string) (bool, error) {
	f, err := os.CreateTemp(s.dir, "requirements-*.safe")
	if err != nil {
		i.logger.Warn("cannot write filtered requirements", "error", err)
		return false, nil
	}
	name := f.Name()
	defer os.Remove(name)

	_, werr := f.WriteString(strings.Join(pkgs, "\n") + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		return false, nil
	}

	_, err = i.pip(ctx, s, i.cfg.BulkTimeout, "-r", filepath.Base(name))
	if err == nil {
		return true, nil
	}
	if runner.IsToolNotFound(err) {
		return false, toolError(err, "python interpreter is not available")
	}
	i.logger.Warn("bulk install failed, installing individually", "packages", len(pkgs), "error", err)
	return false, nil
}

func (i *Installer) installEach(ctx context.Context, s *session, pkgs []string, timeout time.Duration) error {
	for _, pkg := range pkgs {
		if err := i.installOne(ctx, s, pkg, timeout); err != nil {
			return err
		}
	}
	return nil
}

// installOne returns an error only when the tool itself is missing.
func (i *Installer) installOne(ctx context.Context, s *session, pkg string, timeout time.Duration) error {
	_, err := i.pip(ctx, s, timeout, pkg)
	switch {
	case err == nil:
		s.report.Installed = append(s.report.Installed, pkg)
	case runner.IsToolNotFound(err):
		return toolError(err, "python interpreter is not available")
	default:
		s.report.Failed = append(s.report.Failed, pkg)
		i.logger.Warn("package install failed", "package", pkg, "error", err)
	}
	return nil
}

func (i *Installer) pip(ctx context.Context, s *session, timeout time.Duration, args ...string) (runner.Result, error) {
	base := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
	if s.user {
		base = append(base, "--user")
	}
	return i.python(ctx, s, timeout, append(base, args...)...)
}

func (i *Installer) python(ctx context.Context, s *session, timeout time.Duration, args ...string) (runner.Result, error) {
	return i.runner.Run(ctx, runner.Command{
		Name:    s.python,
		Args:    append(append([]string(nil), s.pythonArgs...), args...),
		Dir:     s.dir,
		Timeout: timeout,
	})
}

// toolError maps a failed probe to the tool-absent class. Probes that
// fail for other reasons (timeouts, a broken interpreter) still mean the
// pipeline cannot continue.
func toolError(err error, msg string) error {
	var cerr *runner.CommandError
	if errors.As(err, &cerr) && cerr.Output != "" && !runner.IsToolNotFound(err) {
		msg += ": " + cerr.Output
	}
	return domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, stepName, msg, err)
}

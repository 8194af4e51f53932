// Package hosting runs the deployment pipelines: deploy, update with
// rollback, restart, stop, the container-group toggle and delete. It owns
// the deployment records and drives the workspace, installer, management
// commands, launcher and supervisor through narrow interfaces.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/core/proxy"
	"github.com/artpar/djangohost/internal/core/settings"
	"github.com/artpar/djangohost/internal/shell/docker"
	"github.com/artpar/djangohost/internal/shell/installer"
	"github.com/artpar/djangohost/internal/shell/launcher"
	"github.com/artpar/djangohost/internal/shell/manage"
	"github.com/artpar/djangohost/internal/shell/metrics"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/store"
	"github.com/artpar/djangohost/internal/shell/supervisor"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrModeMismatch is returned for an operation the deployment's mode does not support.
	ErrModeMismatch = errors.New("operation is not supported in this deployment mode")
	// ErrGroupUnavailable is returned when container groups are not configured.
	ErrGroupUnavailable = errors.New("container group support is not configured")
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing orchestrator dependency")
)

// =============================================================================
// Collaborators
// =============================================================================

// Workspace owns deployment directories.
type Workspace interface {
	Root() string
	Prepare(dir string) error
	Exists(dir string) bool
	Cleanup(path string) error
	Extract(archivePath, dest string) error
	Snapshot(src, dst string) error
	Restore(backup, dir string) error
	DirSize(dir string) (int64, error)
}

// Archives stores uploaded archives.
type Archives interface {
	MaxBytes() int64
	Save(prefix string, r io.Reader) (string, int64, error)
	Open(path string) (*os.File, error)
	MarkRejected(path string) (string, error)
	Remove(path string) error
}

// DependencyInstaller installs a project's Python dependencies.
type DependencyInstaller interface {
	Install(ctx context.Context, workDir string, fsys fs.FS) (installer.Report, error)
}

// MigrationRunner runs the management commands.
type MigrationRunner interface {
	Run(ctx context.Context, entryDir string, env []string) (manage.Report, error)
}

// ProcessLauncher reserves ports and starts servers.
type ProcessLauncher interface {
	Host() string
	Reserve(exclude []int) (*launcher.Reservation, error)
	Launch(ctx context.Context, req launcher.Request) (*launcher.Handle, error)
}

// ProcessSupervisor inspects and stops started servers.
type ProcessSupervisor interface {
	Status(p deployment.Paths) domain.StatusSnapshot
	Stop(ctx context.Context, p deployment.Paths) error
	Cleanup(ctx context.Context, p deployment.Paths) error
	Metrics(ctx context.Context, p deployment.Paths) (supervisor.ProcessStats, error)
}

// GroupRunner brings container groups up and down.
type GroupRunner interface {
	Up(ctx context.Context, dir, project string) (runner.Result, error)
	Down(ctx context.Context, dir, project string) (runner.Result, error)
}

// Dependencies are the collaborators of an Orchestrator. Group, Docker,
// Metrics and Rewriter are optional.
type Dependencies struct {
	Store      store.Store
	Workspace  Workspace
	Archives   Archives
	Installer  DependencyInstaller
	Migrations MigrationRunner
	Launcher   ProcessLauncher
	Supervisor ProcessSupervisor
	Group      GroupRunner
	Docker     docker.Client
	Metrics    *metrics.Metrics
	Rewriter   *settings.Rewriter
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the orchestrator.
type Config struct {
	// AddressHost is the hostname used in deployment addresses. Empty means
	// the launcher's bind host.
	AddressHost string
	// GroupLogTail is the number of log lines read per container.
	GroupLogTail int
	// ProxyBaseDomain is set when the app proxy serves deployments under
	// it; their proxy hostnames are then added to ALLOWED_HOSTS.
	ProxyBaseDomain string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		AddressHost:  "localhost",
		GroupLogTail: 50,
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs deployment pipelines. Pipelines for different
// deployments run independently; operations on the same deployment are
// serialized.
type Orchestrator struct {
	config     Config
	store      store.Store
	ws         Workspace
	archives   Archives
	installer  DependencyInstaller
	migrations MigrationRunner
	launcher   ProcessLauncher
	supervisor ProcessSupervisor
	group      GroupRunner
	docker     docker.Client
	metrics    *metrics.Metrics
	rewriter   *settings.Rewriter
	layout     deployment.Layout
	locks      *keyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	required := map[string]any{
		"store":      deps.Store,
		"workspace":  deps.Workspace,
		"archives":   deps.Archives,
		"installer":  deps.Installer,
		"migrations": deps.Migrations,
		"launcher":   deps.Launcher,
		"supervisor": deps.Supervisor,
	}
	for name, dep := range required {
		if dep == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, name)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AddressHost == "" {
		cfg.AddressHost = deps.Launcher.Host()
	}
	if cfg.GroupLogTail <= 0 {
		cfg.GroupLogTail = DefaultConfig().GroupLogTail
	}
	rw := deps.Rewriter
	if rw == nil {
		rw = settings.NewRewriter(nil)
	}

	return &Orchestrator{
		config:     cfg,
		store:      deps.Store,
		ws:         deps.Workspace,
		archives:   deps.Archives,
		installer:  deps.Installer,
		migrations: deps.Migrations,
		launcher:   deps.Launcher,
		supervisor: deps.Supervisor,
		group:      deps.Group,
		docker:     deps.Docker,
		metrics:    deps.Metrics,
		rewriter:   rw,
		layout:     deployment.Layout{Root: deps.Workspace.Root()},
		locks:      newKeyedMutex(),
		logger:     logger.With("component", "hosting"),
		now:        time.Now,
	}, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a deployment by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return o.store.GetDeployment(ctx, id)
}

// List returns deployments, optionally restricted to one owner.
func (o *Orchestrator) List(ctx context.Context, owner string, opts store.ListOptions) ([]domain.Deployment, error) {
	if owner != "" {
		return o.store.ListDeploymentsByOwner(ctx, owner, opts)
	}
	return o.store.ListDeployments(ctx, opts)
}

// Events returns the newest limit events of a deployment, oldest first.
func (o *Orchestrator) Events(ctx context.Context, id string, limit int) ([]domain.DeploymentEvent, error) {
	if _, err := o.store.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id, limit)
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) paths(d *domain.Deployment) deployment.Paths {
	return o.layout.For(d.Owner, d.SafeID)
}

// proxyHost is the app proxy hostname of d, or empty when there is no proxy.
func (o *Orchestrator) proxyHost(d *domain.Deployment) string {
	if o.config.ProxyBaseDomain == "" {
		return ""
	}
	return proxy.HostnameParser{BaseDomain: o.config.ProxyBaseDomain}.Hostname(d.Owner, d.SafeID)
}

// lock waits for exclusive access to a deployment.
func (o *Orchestrator) lock(ctx context.Context, id string) (func(), error) {
	if err := o.locks.Lock(ctx, id); err != nil {
		return nil, domain.NewPipelineError(domain.ClassOperational, domain.CodeBusy, "lock",
			"another operation on this deployment is still running", err)
	}
	return func() { o.locks.Unlock(id) }, nil
}

// load locks a deployment and reads its current record.
func (o *Orchestrator) load(ctx context.Context, id string) (*domain.Deployment, func(), error) {
	if _, err := o.store.GetDeployment(ctx, id); err != nil {
		return nil, nil, err
	}
	unlock, err := o.lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	// re-read: the record may have changed while waiting
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return d, unlock, nil
}

func (o *Orchestrator) save(ctx context.Context, d *domain.Deployment) error {
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		o.logger.Error("failed to persist deployment", "deployment_id", d.ID, "status", d.Status, "error", err)
		return err
	}
	return nil
}

// record appends to the deployment's history. Failures are logged only.
func (o *Orchestrator) record(ctx context.Context, id string, level domain.EventLevel, message, details string) {
	ev := domain.NewEvent(id, level, message, details)
	if err := o.store.AppendEvent(ctx, &ev); err != nil {
		o.logger.Warn("failed to record event", "deployment_id", id, "message", message, "error", err)
	}
}

// guard runs a pipeline body and converts a panic into an operational failure.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, step, fmt.Sprint(r), nil)
		}
	}()
	return fn()
}

// usedPorts lists the ports of other deployed process-mode deployments.
func (o *Orchestrator) usedPorts(ctx context.Context, self string) []int {
	deployed, err := o.store.ListDeploymentsByStatus(ctx, domain.StatusDeployed)
	if err != nil {
		o.logger.Warn("failed to list deployed ports", "error", err)
		return nil
	}
	var ports []int
	for _, d := range deployed {
		if d.ID != self && d.Mode == domain.ModeProcess && d.Port > 0 {
			ports = append(ports, d.Port)
		}
	}
	return ports
}

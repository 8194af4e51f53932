package hosting

import (
	"context"
	"errors"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/docker"
	"github.com/artpar/djangohost/internal/shell/supervisor"
)

// =============================================================================
// Mode Runtimes
// =============================================================================

// modeRuntime is the lifecycle capability set every deployment mode
// provides. The mode is fixed at creation, so runtimeFor is the only place
// that looks at it.
type modeRuntime interface {
	// deploy builds and starts from the source archive.
	deploy(ctx context.Context, d *domain.Deployment, out *outcome) error
	// relaunch starts again from the tree already on disk.
	relaunch(ctx context.Context, d *domain.Deployment, out *outcome) error
	stop(ctx context.Context, d *domain.Deployment) error
	status(ctx context.Context, d *domain.Deployment) domain.StatusSnapshot
	// alive reports whether d still runs; known is false when that cannot
	// be determined right now.
	alive(ctx context.Context, d *domain.Deployment) (alive, known bool)
	// usage fills CPU and memory. Readings that are unavailable stay zero.
	usage(ctx context.Context, d *domain.Deployment, snap *domain.MetricsSnapshot)
}

func (o *Orchestrator) runtimeFor(d *domain.Deployment) modeRuntime {
	switch d.Mode {
	case domain.ModeContainerGroup:
		return groupRuntime{o}
	default:
		return processRuntime{o}
	}
}

// =============================================================================
// Process
// =============================================================================

type processRuntime struct{ o *Orchestrator }

func (r processRuntime) deploy(ctx context.Context, d *domain.Deployment, out *outcome) error {
	return r.o.deployProcess(ctx, d, out)
}

func (r processRuntime) relaunch(ctx context.Context, d *domain.Deployment, out *outcome) error {
	return r.o.relaunchProcess(ctx, d, out)
}

func (r processRuntime) stop(ctx context.Context, d *domain.Deployment) error {
	return r.o.supervisor.Stop(ctx, r.o.paths(d))
}

func (r processRuntime) status(_ context.Context, d *domain.Deployment) domain.StatusSnapshot {
	return r.o.supervisor.Status(r.o.paths(d))
}

func (r processRuntime) alive(_ context.Context, d *domain.Deployment) (bool, bool) {
	return r.o.supervisor.Status(r.o.paths(d)).Running, true
}

func (r processRuntime) usage(ctx context.Context, d *domain.Deployment, snap *domain.MetricsSnapshot) {
	stats, err := r.o.supervisor.Metrics(ctx, r.o.paths(d))
	switch {
	case err == nil:
		snap.CPUPercent = stats.CPUPercent
		snap.MemoryUsage = stats.MemoryBytes
	case errors.Is(err, supervisor.ErrNoMarker), errors.Is(err, supervisor.ErrMetricsUnsupported),
		errors.Is(err, supervisor.ErrStaleMarker):
	default:
		r.o.logger.Debug("process metrics unavailable", "deployment_id", d.ID, "error", err)
	}
}

// =============================================================================
// Container Group
// =============================================================================

type groupRuntime struct{ o *Orchestrator }

func (r groupRuntime) deploy(ctx context.Context, d *domain.Deployment, out *outcome) error {
	return r.o.deployGroup(ctx, d, out)
}

func (r groupRuntime) relaunch(ctx context.Context, d *domain.Deployment, out *outcome) error {
	return r.o.relaunchGroup(ctx, d, out)
}

// stop is a no-op when groups are not configured; nothing could have
// been started.
func (r groupRuntime) stop(ctx context.Context, d *domain.Deployment) error {
	if r.o.group == nil {
		return nil
	}
	return r.o.groupDown(ctx, d)
}

func (r groupRuntime) status(ctx context.Context, d *domain.Deployment) domain.StatusSnapshot {
	if r.o.docker == nil {
		return domain.StatusSnapshot{Error: "container runtime is not available"}
	}
	project := r.project(d)
	running, err := docker.GroupRunning(ctx, r.o.docker, project)
	if err != nil {
		return domain.StatusSnapshot{Error: err.Error()}
	}
	logs, err := docker.GroupLogs(ctx, r.o.docker, project, r.o.config.GroupLogTail)
	if err != nil && !errors.Is(err, docker.ErrGroupNotFound) {
		return domain.StatusSnapshot{Running: running, Error: err.Error()}
	}
	return domain.StatusSnapshot{Running: running, LogTail: logs}
}

func (r groupRuntime) alive(ctx context.Context, d *domain.Deployment) (bool, bool) {
	if r.o.docker == nil {
		return false, false
	}
	running, err := docker.GroupRunning(ctx, r.o.docker, r.project(d))
	if err != nil {
		r.o.logger.Debug("group liveness unknown", "deployment_id", d.ID, "error", err)
		return false, false
	}
	return running, true
}

func (r groupRuntime) usage(ctx context.Context, d *domain.Deployment, snap *domain.MetricsSnapshot) {
	if r.o.docker == nil {
		return
	}
	stats, err := docker.CollectGroupStats(ctx, r.o.docker, r.project(d))
	if err != nil {
		if !errors.Is(err, docker.ErrGroupNotFound) {
			r.o.logger.Debug("group metrics unavailable", "deployment_id", d.ID, "error", err)
		}
		return
	}
	snap.CPUPercent = stats.CPUPercent
	snap.MemoryUsage = stats.MemoryUsage
}

func (r groupRuntime) project(d *domain.Deployment) string {
	return deployment.ComposeProjectName(d.Owner, d.SafeID)
}

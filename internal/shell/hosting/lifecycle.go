package hosting

import (
	"context"
	"path/filepath"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/store"
)

// =============================================================================
// Restart & Stop
// =============================================================================

// Restart stops a deployment and starts it again from its working
// directory. Process deployments get a fresh port.
func (o *Orchestrator) Restart(ctx context.Context, id string) (*domain.Deployment, domain.DeployResult, error) {
	d, unlock, err := o.load(ctx, id)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	defer unlock()

	start := o.now()
	if err := d.Transition(domain.StatusRestarting); err != nil {
		return d, domain.DeployResult{}, err
	}
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventInfo, "Restart requested", "")

	o.teardown(ctx, d)
	if !o.ws.Exists(d.WorkDir) {
		pe := domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, opRestart, "working directory is missing; deploy the project again", nil)
		return d, o.finish(ctx, d, opRestart, start, outcome{}, pe), nil
	}

	var out outcome
	err = guard(opRestart, func() error { return o.relaunch(ctx, d, &out) })
	return d, o.finish(ctx, d, opRestart, start, out, err), nil
}

// Stop stops a deployment's server or group.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	d, unlock, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := domain.ValidateTransition(d.Status, domain.StatusStopped); err != nil && d.Status != domain.StatusStopped {
		return d, err
	}
	o.teardown(ctx, d)
	if d.Mode == domain.ModeContainerGroup {
		d.Active = false
	}
	if err := d.Transition(domain.StatusStopped); err != nil {
		return d, err
	}
	if err := o.save(ctx, d); err != nil {
		return d, err
	}
	o.record(ctx, d.ID, domain.EventInfo, "Stopped", "")
	return d, nil
}

// relaunch starts a deployment from the tree already on disk.
func (o *Orchestrator) relaunch(ctx context.Context, d *domain.Deployment, out *outcome) error {
	return o.runtimeFor(d).relaunch(ctx, d, out)
}

// teardown stops whatever runs for d. Errors are logged, not returned.
func (o *Orchestrator) teardown(ctx context.Context, d *domain.Deployment) {
	if err := o.runtimeFor(d).stop(ctx, d); err != nil {
		o.logger.Warn("teardown reported an error", "deployment_id", d.ID, "mode", d.Mode, "error", err)
	}
}

// =============================================================================
// Delete
// =============================================================================

// Delete tears a deployment down, removes its files and archives, and then
// deletes the record together with its history.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	d, unlock, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	paths := o.paths(d)
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID)

	o.teardown(ctx, d)
	// removes the tree, markers and log
	if err := o.supervisor.Cleanup(ctx, paths); err != nil {
		log.Warn("cleanup reported an error", "error", err)
	}
	o.removeSnapshots(paths)

	for _, a := range []string{d.SourceArchive, d.RejectedArchive} {
		if a == "" {
			continue
		}
		if err := o.archives.Remove(a); err != nil {
			log.Warn("failed to remove archive", "archive", a, "error", err)
		}
	}

	if err := o.store.DeleteDeployment(ctx, d.ID); err != nil {
		return err
	}
	log.Info("deployment deleted")
	return nil
}

// removeSnapshots clears update snapshots left behind by an interrupted update.
func (o *Orchestrator) removeSnapshots(paths deployment.Paths) {
	matches, err := filepath.Glob(paths.WorkDir + "_backup_*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if !deployment.IsBackupDir(filepath.Base(m)) {
			continue
		}
		if err := o.ws.Cleanup(m); err != nil {
			o.logger.Warn("failed to remove snapshot", "path", m, "error", err)
		}
	}
}

// =============================================================================
// Status & Metrics
// =============================================================================

// Status reports whether the deployment is running and the tail of its logs.
func (o *Orchestrator) Status(ctx context.Context, id string) (domain.StatusSnapshot, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	return o.runtimeFor(d).status(ctx, d), nil
}

// Metrics reads CPU, memory and disk usage. Missing processes or groups
// read as zero.
func (o *Orchestrator) Metrics(ctx context.Context, id string) (domain.MetricsSnapshot, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	snap := domain.MetricsSnapshot{Status: string(d.Status)}

	if size, err := o.ws.DirSize(d.WorkDir); err == nil {
		snap.DiskUsageBytes = size
	} else {
		o.logger.Debug("disk usage unavailable", "deployment_id", d.ID, "error", err)
	}
	o.runtimeFor(d).usage(ctx, d, &snap)
	return snap, nil
}

// =============================================================================
// Liveness
// =============================================================================

// CheckLiveness moves deployed deployments whose server or group is gone to
// error, and refreshes the per-status gauge. Deployments with an operation
// in progress are skipped. It returns how many were found dead.
func (o *Orchestrator) CheckLiveness(ctx context.Context) (int, error) {
	ids, err := o.LivenessCandidates(ctx)
	if err != nil {
		return 0, err
	}

	lost := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return lost, ctx.Err()
		}
		if o.CheckDeployment(ctx, id) {
			lost++
		}
	}

	o.RefreshStatusCounts(ctx)
	return lost, nil
}

// LivenessCandidates returns the IDs of deployments currently marked deployed.
func (o *Orchestrator) LivenessCandidates(ctx context.Context) ([]string, error) {
	deployed, err := o.store.ListDeploymentsByStatus(ctx, domain.StatusDeployed)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(deployed))
	for _, d := range deployed {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// CheckDeployment probes one deployment and reports whether it was found
// dead. A deployment with an operation in progress is left alone.
func (o *Orchestrator) CheckDeployment(ctx context.Context, id string) bool {
	if !o.locks.TryLock(id) {
		return false
	}
	defer o.locks.Unlock(id)
	return o.checkOne(ctx, id)
}

// checkOne must be called with the deployment locked.
func (o *Orchestrator) checkOne(ctx context.Context, id string) bool {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil || !d.IsActiveStatus() {
		return false
	}
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID)

	if alive, known := o.runtimeFor(d).alive(ctx, d); alive || !known {
		return false
	}

	if err := d.Transition(domain.StatusError); err != nil {
		log.Error("cannot mark deployment errored", "error", err)
		return false
	}
	d.ErrorMessage = "the deployment is no longer running"
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventError, "Liveness check failed", d.ErrorMessage)
	o.metrics.LivenessLost()
	log.Warn("deployment found dead")
	return true
}

// RefreshStatusCounts recomputes the per-status deployment gauge.
func (o *Orchestrator) RefreshStatusCounts(ctx context.Context) {
	counts := make(map[string]int)
	opts := store.ListOptions{Limit: 1000}
	for {
		page, err := o.store.ListDeployments(ctx, opts)
		if err != nil {
			o.logger.Debug("cannot refresh deployment counts", "error", err)
			return
		}
		for _, d := range page {
			counts[string(d.Status)]++
		}
		if len(page) < opts.Limit {
			break
		}
		opts.Offset += opts.Limit
	}
	o.metrics.SetDeploymentCounts(counts)
}

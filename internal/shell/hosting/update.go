package hosting

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
)

// =============================================================================
// Update
// =============================================================================

// Update replaces a deployment's project with a new archive.
//
// The new archive is validated first; a rejected archive leaves the running
// deployment untouched. Otherwise the old server is stopped, the working
// directory is snapshotted and the full pipeline runs on the new archive.
// On success the snapshot and the previous archive are discarded. On
// failure the snapshot is moved back and the previous version relaunched.
func (o *Orchestrator) Update(ctx context.Context, id string, r io.Reader, size int64) (*domain.Deployment, domain.DeployResult, error) {
	d, unlock, err := o.load(ctx, id)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	defer unlock()

	paths := o.paths(d)
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID, "operation", opUpdate)

	newArchive, verdict, err := o.receive(paths.Name, r, size)
	if err != nil {
		return d, domain.DeployResult{}, err
	}
	if !verdict.OK() {
		pe := domain.AsPipelineError("validate", verdict.Err())
		if newArchive != "" {
			if rejected, err := o.archives.MarkRejected(newArchive); err == nil {
				d.RejectedArchive = rejected
				o.save(ctx, d)
			}
		}
		o.record(ctx, d.ID, domain.EventWarning, "Update rejected", pe.UserMessage())
		o.metrics.PipelineFailed(string(pe.Class), pe.Code)
		log.Info("update archive rejected", "verdict", verdict)
		return d, domain.DeployResult{Error: pe.UserMessage()}, nil
	}

	start := o.now()
	if err := d.Transition(domain.StatusBuilding); err != nil {
		o.archives.Remove(newArchive)
		return d, domain.DeployResult{}, err
	}
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventInfo, "Update started", "")

	o.teardown(ctx, d)

	backup := paths.BackupDir(start)
	hadTree := o.ws.Exists(paths.WorkDir)
	if hadTree {
		if err := o.ws.Snapshot(paths.WorkDir, backup); err != nil {
			// the old tree is still intact; bring it back as it was
			pe := domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "snapshot", "could not snapshot the working directory", err)
			return d, o.rollback(ctx, d, start, "", newArchive, pe), nil
		}
	}

	previous := d.SourceArchive
	d.SourceArchive = newArchive
	out, err := o.runPipeline(ctx, d)
	if err != nil {
		d.SourceArchive = previous
		o.teardown(ctx, d)
		if !hadTree {
			backup = ""
			o.ws.Cleanup(paths.WorkDir)
		}
		return d, o.rollback(ctx, d, start, backup, newArchive, err), nil
	}

	if hadTree {
		if err := o.ws.Cleanup(backup); err != nil {
			log.Warn("failed to remove update snapshot", "backup", backup, "error", err)
		}
	}
	if previous != "" && previous != newArchive {
		if err := o.archives.Remove(previous); err != nil {
			log.Warn("failed to remove previous archive", "archive", previous, "error", err)
		}
	}
	d.RejectedArchive = ""
	o.record(ctx, d.ID, domain.EventInfo, "Update committed", "")
	return d, o.finish(ctx, d, opUpdate, start, out, nil), nil
}

// rollback undoes a failed update: the snapshot (if any) replaces the
// working directory, the new archive is kept as rejected and the previous
// version is relaunched. The result always reports the update as failed.
func (o *Orchestrator) rollback(ctx context.Context, d *domain.Deployment, start time.Time, backup, newArchive string, cause error) domain.DeployResult {
	paths := o.paths(d)
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID, "operation", opUpdate)
	pe := domain.AsPipelineError(opUpdate, cause)
	o.record(ctx, d.ID, domain.EventError, "Update failed, rolling back", pe.Error())
	o.metrics.PipelineFailed(string(pe.Class), pe.Code)
	log.Warn("update failed, rolling back", "class", pe.Class, "code", pe.Code, "error", pe.Message)

	if backup != "" {
		if err := o.ws.Restore(backup, paths.WorkDir); err != nil {
			log.Error("failed to restore snapshot", "backup", backup, "error", err)
			o.ws.Cleanup(paths.WorkDir)
		}
	}
	if rejected, err := o.archives.MarkRejected(newArchive); err == nil {
		d.RejectedArchive = rejected
	} else {
		log.Warn("failed to keep rejected archive", "archive", newArchive, "error", err)
	}

	var out outcome
	var err error
	if o.ws.Exists(paths.WorkDir) {
		err = guard("rollback", func() error { return o.relaunch(ctx, d, &out) })
	} else {
		err = domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "rollback", "no previous version to restore", nil)
	}
	o.metrics.RolledBack(err == nil)
	o.metrics.PipelineFinished(opUpdate, string(d.Mode), false, o.now().Sub(start))

	if err == nil {
		if terr := d.MarkDeployed(out.port, out.address); terr != nil {
			log.Error("cannot mark deployment deployed", "status", d.Status, "error", terr)
		}
		o.save(ctx, d)
		o.record(ctx, d.ID, domain.EventWarning, "Previous version restored", d.DisplayAddress())
		return domain.DeployResult{
			Address:  d.DisplayAddress(),
			Error:    pe.UserMessage() + " (the previous version was restored)",
			Warnings: out.warnings,
		}
	}

	rpe := domain.AsPipelineError("rollback", err)
	if terr := d.MarkFailed(pe.UserMessage()); terr != nil {
		log.Error("cannot mark deployment failed", "status", d.Status, "error", terr)
	}
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventError, "Previous version could not be restarted", rpe.Error())
	log.Error("rollback failed", "error", rpe.Message)
	return domain.DeployResult{
		Error: fmt.Sprintf("%s (the previous version could not be restarted: %s)", pe.UserMessage(), rpe.Message),
	}
}

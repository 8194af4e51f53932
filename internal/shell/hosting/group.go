package hosting

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/artpar/djangohost/internal/core/compose"
	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/runner"
)

// groupOutputTail bounds how much compose output ends up in a failure message.
const groupOutputTail = 1024

// =============================================================================
// Group Pipeline
// =============================================================================

// deployGroup extracts the archive, checks the compose descriptor and
// brings the group up.
func (o *Orchestrator) deployGroup(ctx context.Context, d *domain.Deployment, out *outcome) error {
	if o.group == nil {
		return domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, "group", ErrGroupUnavailable.Error(), ErrGroupUnavailable)
	}
	paths := o.paths(d)
	if err := o.extract(d.SourceArchive, paths.WorkDir); err != nil {
		return err
	}
	dir, desc, err := o.locateGroup(d)
	if err != nil {
		return err
	}
	o.record(ctx, d.ID, domain.EventInfo, "Group descriptor found",
		fmt.Sprintf("%s: %s", desc.File, strings.Join(desc.ServiceNames(), ", ")))

	if total, limit := desc.TotalMemory(), d.ResourceLimit.Bytes(); total > limit {
		out.warn(fmt.Sprintf("services request %d MiB of memory, above the %s limit", total>>20, d.ResourceLimit))
	}
	return o.groupUp(ctx, d, dir, desc, out)
}

// relaunchGroup brings the group up from the tree already on disk.
func (o *Orchestrator) relaunchGroup(ctx context.Context, d *domain.Deployment, out *outcome) error {
	if o.group == nil {
		return domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, "group", ErrGroupUnavailable.Error(), ErrGroupUnavailable)
	}
	dir, desc, err := o.locateGroup(d)
	if err != nil {
		return err
	}
	return o.groupUp(ctx, d, dir, desc, out)
}

// locateGroup finds and parses the descriptor in the working directory.
// The returned dir is the descriptor's directory, where compose runs.
func (o *Orchestrator) locateGroup(d *domain.Deployment) (string, *compose.Descriptor, error) {
	fsys := os.DirFS(d.WorkDir)
	rel, ok := compose.FindDescriptor(fsys)
	if !ok {
		return "", nil, domain.NewPipelineError(domain.ClassStructural, domain.CodeMissingDescriptor, "group",
			"no docker-compose file was found in the project", nil)
	}
	content, err := fs.ReadFile(fsys, rel)
	if err != nil {
		return "", nil, domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "group", "could not read "+rel, err)
	}
	desc, err := compose.Parse(string(content), deployment.ComposeProjectName(d.Owner, d.SafeID))
	if err != nil {
		return "", nil, domain.NewPipelineError(domain.ClassStructural, domain.CodeInvalidDescriptor, "group", err.Error(), err)
	}
	desc.File = rel
	return filepath.Join(d.WorkDir, filepath.FromSlash(path.Dir(rel))), desc, nil
}

func (o *Orchestrator) groupUp(ctx context.Context, d *domain.Deployment, dir string, desc *compose.Descriptor, out *outcome) error {
	project := deployment.ComposeProjectName(d.Owner, d.SafeID)
	res, err := o.group.Up(ctx, dir, project)
	if err != nil {
		return groupFailure(res, err)
	}
	d.Active = true
	if port, ok := desc.WebPort(); ok {
		out.port = port
		out.address = deployment.Address(o.config.AddressHost, port)
	} else {
		out.warn("no service publishes a fixed TCP port; the group has no address")
	}
	return nil
}

// groupDown stops the group. The working directory may already be gone, in
// which case compose runs from the hosting root.
func (o *Orchestrator) groupDown(ctx context.Context, d *domain.Deployment) error {
	if o.group == nil {
		return ErrGroupUnavailable
	}
	dir := o.ws.Root()
	if o.ws.Exists(d.WorkDir) {
		if found, _, err := o.locateGroup(d); err == nil {
			dir = found
		} else {
			dir = d.WorkDir
		}
	}
	_, err := o.group.Down(ctx, dir, deployment.ComposeProjectName(d.Owner, d.SafeID))
	return err
}

func groupFailure(res runner.Result, err error) error {
	if runner.IsToolNotFound(err) {
		return domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, "group", "docker compose is not available", err)
	}
	msg := "docker compose up failed"
	if output := strings.TrimSpace(res.Output); output != "" {
		if len(output) > groupOutputTail {
			output = output[len(output)-groupOutputTail:]
		}
		msg += ":\n" + output
	}
	return domain.NewPipelineError(domain.ClassOperational, domain.CodeGroupFailed, "group", msg, err)
}

// =============================================================================
// Toggle
// =============================================================================

// Toggle switches a container-group deployment on or off. Activation that
// fails leaves the deployment failed and inactive; deactivation always ends
// stopped, whatever compose reports.
func (o *Orchestrator) Toggle(ctx context.Context, id string, active bool) (*domain.Deployment, domain.DeployResult, error) {
	d, unlock, err := o.load(ctx, id)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	defer unlock()

	if d.Mode != domain.ModeContainerGroup {
		return d, domain.DeployResult{}, fmt.Errorf("%w: toggle requires %s", ErrModeMismatch, domain.ModeContainerGroup)
	}
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID)

	if !active {
		if err := o.groupDown(ctx, d); err != nil {
			log.Warn("group down reported an error", "error", err)
			o.record(ctx, d.ID, domain.EventWarning, "Group shutdown reported an error", err.Error())
		}
		d.Active = false
		if err := d.Transition(domain.StatusStopped); err != nil {
			return d, domain.DeployResult{}, err
		}
		if err := o.save(ctx, d); err != nil {
			return d, domain.DeployResult{}, err
		}
		o.record(ctx, d.ID, domain.EventInfo, "Group deactivated", "")
		return d, domain.DeployResult{Success: true}, nil
	}

	start := o.now()
	if !o.ws.Exists(d.WorkDir) {
		d.Active = false
		return d, o.finish(ctx, d, "toggle", start, outcome{}, domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "toggle", "working directory is missing", nil)), nil
	}
	var out outcome
	err = guard("toggle", func() error { return o.relaunchGroup(ctx, d, &out) })
	if err != nil {
		d.Active = false
	}
	return d, o.finish(ctx, d, "toggle", start, out, err), nil
}

package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/archive"
	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/core/project"
	"github.com/artpar/djangohost/internal/core/settings"
	"github.com/artpar/djangohost/internal/shell/launcher"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/workspace"
)

// Operation names used for events and metrics.
const (
	opDeploy  = "deploy"
	opUpdate  = "update"
	opRestart = "restart"
)

// DeployRequest describes a new upload.
type DeployRequest struct {
	Owner       string
	ProjectName string
	Archive     io.Reader
	// Size is the declared archive size; 0 when unknown.
	Size          int64
	ResourceLimit string
	CustomDomain  string
	EnvVars       map[string]string
	Mode          string
}

// outcome is what a successful pipeline run produced.
type outcome struct {
	port     int
	address  string
	warnings []string
}

func (o *outcome) warn(msg string) {
	o.warnings = append(o.warnings, msg)
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy validates and stores the archive, creates the deployment record and
// runs the pipeline. An archive that fails validation creates no record: the
// returned deployment is nil and the result carries the reason. The error is
// reserved for invalid requests and storage failures.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, domain.DeployResult, error) {
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	limit, err := domain.ParseResourceLimit(req.ResourceLimit)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	// fail fast on the request before the upload is stored
	if _, err := domain.NewDeployment(req.Owner, req.ProjectName, "", mode, limit, req.EnvVars); err != nil {
		return nil, domain.DeployResult{}, err
	}

	prefix := deployment.DirName(req.Owner, domain.Sanitize(req.ProjectName))
	path, verdict, err := o.receive(prefix, req.Archive, req.Size)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	if !verdict.OK() {
		if path != "" {
			o.archives.Remove(path)
		}
		pe := domain.AsPipelineError("validate", verdict.Err())
		o.logger.Info("archive rejected", "owner", req.Owner, "project", req.ProjectName, "verdict", verdict)
		o.metrics.PipelineFailed(string(pe.Class), pe.Code)
		return nil, domain.DeployResult{Error: pe.UserMessage()}, nil
	}

	safeID, err := o.allocateSafeID(ctx, req.Owner, req.ProjectName)
	if err != nil {
		o.archives.Remove(path)
		return nil, domain.DeployResult{}, err
	}

	d, err := domain.NewDeployment(req.Owner, req.ProjectName, safeID, mode, limit, req.EnvVars)
	if err != nil {
		o.archives.Remove(path)
		return nil, domain.DeployResult{}, err
	}
	d.CustomDomain = strings.TrimSpace(req.CustomDomain)
	d.SourceArchive = path
	d.WorkDir = o.paths(d).WorkDir

	if err := o.store.CreateDeployment(ctx, d); err != nil {
		o.archives.Remove(path)
		return nil, domain.DeployResult{}, err
	}
	o.record(ctx, d.ID, domain.EventInfo, "Deployment created", fmt.Sprintf("mode=%s safe_id=%s", d.Mode, d.SafeID))
	o.logger.Info("deployment created", "deployment_id", d.ID, "owner", d.Owner, "safe_id", d.SafeID, "mode", d.Mode)

	unlock, err := o.lock(ctx, d.ID)
	if err != nil {
		return d, domain.DeployResult{}, err
	}
	defer unlock()

	result := o.build(ctx, d, opDeploy)
	return d, result, nil
}

// allocateSafeID picks an identifier that is free for the owner and whose
// working directory no other deployment owns. Distinct owners can sanitize
// to the same directory prefix.
func (o *Orchestrator) allocateSafeID(ctx context.Context, owner, projectName string) (string, error) {
	var lookupErr error
	safeID, err := domain.SafeIdentifier(projectName, func(candidate string) bool {
		if lookupErr != nil {
			return true
		}
		paths := o.layout.For(owner, candidate)
		if deployment.IsBackupDir(paths.Name) {
			// would be mistaken for another deployment's update snapshot
			return true
		}
		taken, err := o.store.SafeIDTaken(ctx, owner, candidate)
		if err == nil && !taken {
			taken, err = o.store.WorkDirTaken(ctx, paths.WorkDir)
			taken = taken || o.ws.Exists(paths.WorkDir)
		}
		if err != nil {
			lookupErr = err
			return true
		}
		return taken
	})
	if lookupErr != nil {
		return "", lookupErr
	}
	return safeID, err
}

// receive stores an upload and validates it. Rejected uploads are removed.
func (o *Orchestrator) receive(prefix string, r io.Reader, size int64) (string, archive.Verdict, error) {
	if size > 0 {
		if v := archive.CheckSize(size, o.archives.MaxBytes()); !v.OK() {
			return "", v, nil
		}
	}
	path, _, err := o.archives.Save(prefix, r)
	if errors.Is(err, workspace.ErrArchiveTooLarge) {
		return "", archive.VerdictTooLarge, nil
	}
	if err != nil {
		return "", "", fmt.Errorf("store archive: %w", err)
	}

	f, err := o.archives.Open(path)
	if err != nil {
		o.archives.Remove(path)
		return "", "", fmt.Errorf("open archive: %w", err)
	}
	verdict := archive.Validate(f)
	f.Close()

	return path, verdict, nil
}

// build runs the full pipeline for d from its source archive and records
// the outcome.
func (o *Orchestrator) build(ctx context.Context, d *domain.Deployment, op string) domain.DeployResult {
	start := o.now()
	if err := d.Transition(domain.StatusBuilding); err != nil {
		return o.finish(ctx, d, op, start, outcome{}, domain.AsPipelineError(op, err))
	}
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventInfo, "Build started", op)

	out, err := o.runPipeline(ctx, d)
	return o.finish(ctx, d, op, start, out, err)
}

func (o *Orchestrator) runPipeline(ctx context.Context, d *domain.Deployment) (outcome, error) {
	var out outcome
	err := guard("pipeline", func() error {
		return o.runtimeFor(d).deploy(ctx, d, &out)
	})
	return out, err
}

// finish moves d to deployed or failed and reports the result.
func (o *Orchestrator) finish(ctx context.Context, d *domain.Deployment, op string, start time.Time, out outcome, err error) domain.DeployResult {
	log := o.logger.With("deployment_id", d.ID, "safe_id", d.SafeID, "operation", op)
	for _, w := range out.warnings {
		o.record(ctx, d.ID, domain.EventWarning, w, "")
	}

	if err == nil && !o.ws.Exists(d.WorkDir) {
		err = domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, op, "working directory is missing", nil)
	}
	if err != nil {
		pe := domain.AsPipelineError(op, err)
		if terr := d.MarkFailed(pe.UserMessage()); terr != nil {
			log.Error("cannot mark deployment failed", "status", d.Status, "error", terr)
		}
		o.save(ctx, d)
		o.record(ctx, d.ID, domain.EventError, pe.UserMessage(), pe.Error())
		o.metrics.PipelineFailed(string(pe.Class), pe.Code)
		o.metrics.PipelineFinished(op, string(d.Mode), false, o.now().Sub(start))
		log.Warn("pipeline failed", "class", pe.Class, "code", pe.Code, "step", pe.Step, "error", pe.Message)
		return domain.DeployResult{Error: pe.UserMessage(), Warnings: out.warnings}
	}

	if terr := d.MarkDeployed(out.port, out.address); terr != nil {
		log.Error("cannot mark deployment deployed", "status", d.Status, "error", terr)
	}
	o.save(ctx, d)
	o.record(ctx, d.ID, domain.EventSuccess, "Deployed", d.DisplayAddress())
	o.metrics.PipelineFinished(op, string(d.Mode), true, o.now().Sub(start))
	log.Info("pipeline finished", "port", out.port, "address", out.address, "warnings", len(out.warnings))
	return domain.DeployResult{Success: true, Address: d.DisplayAddress(), Warnings: out.warnings}
}

// =============================================================================
// Process Pipeline
// =============================================================================

// deployProcess extracts, detects, installs, rewrites settings, migrates
// and launches.
func (o *Orchestrator) deployProcess(ctx context.Context, d *domain.Deployment, out *outcome) error {
	paths := o.paths(d)
	if err := o.extract(d.SourceArchive, paths.WorkDir); err != nil {
		return err
	}
	det, err := o.detect(paths.WorkDir)
	if err != nil {
		return err
	}
	o.record(ctx, d.ID, domain.EventInfo, "Project detected", det.EntryPath+" "+det.SettingsModule)

	rep, err := o.installer.Install(ctx, paths.WorkDir, os.DirFS(paths.WorkDir))
	if err != nil {
		var pe *domain.PipelineError
		if errors.As(err, &pe) && pe.Class.Fatal() {
			return err
		}
		out.warn("dependency installation failed: " + err.Error())
	} else if !rep.OK() {
		out.warn(rep.Summary())
	} else {
		o.record(ctx, d.ID, domain.EventInfo, "Dependencies installed", rep.Summary())
	}

	used := o.usedPorts(ctx, d.ID)
	res, err := o.launcher.Reserve(used)
	if err != nil {
		return launchFailure(err)
	}
	defer res.Release()

	if err := o.rewriteSettings(d, paths.WorkDir, det, res.Port, out); err != nil {
		return err
	}

	entryDir := entryDir(paths.WorkDir, det)
	mrep, err := o.migrations.Run(ctx, entryDir, o.processEnv(d, res.Port))
	if err != nil {
		return err
	}
	if failed := mrep.Failed(); len(failed) > 0 {
		out.warn("management commands failed: " + strings.Join(failed, ", "))
	}

	return o.launch(ctx, d, paths, entryDir, res, used, out)
}

// relaunchProcess starts the server from the tree already on disk.
func (o *Orchestrator) relaunchProcess(ctx context.Context, d *domain.Deployment, out *outcome) error {
	paths := o.paths(d)
	det, err := o.detect(paths.WorkDir)
	if err != nil {
		return err
	}
	used := o.usedPorts(ctx, d.ID)
	res, err := o.launcher.Reserve(used)
	if err != nil {
		return launchFailure(err)
	}
	defer res.Release()

	if err := o.rewriteSettings(d, paths.WorkDir, det, res.Port, out); err != nil {
		return err
	}
	return o.launch(ctx, d, paths, entryDir(paths.WorkDir, det), res, used, out)
}

func (o *Orchestrator) extract(archivePath, workDir string) error {
	if err := o.ws.Prepare(workDir); err != nil {
		return domain.NewPipelineError(domain.ClassOperational, domain.CodeExtractFailed, "extract", "could not prepare the working directory", err)
	}
	if err := o.ws.Extract(archivePath, workDir); err != nil {
		if errors.Is(err, workspace.ErrUnsafeEntry) || errors.Is(err, workspace.ErrExtractTooLarge) {
			return domain.NewPipelineError(domain.ClassStructural, domain.CodeMalformedArchive, "extract", err.Error(), err)
		}
		return domain.NewPipelineError(domain.ClassOperational, domain.CodeExtractFailed, "extract", err.Error(), err)
	}
	return nil
}

func (o *Orchestrator) detect(workDir string) (project.Detection, error) {
	det, err := project.Detect(os.DirFS(workDir))
	if err != nil {
		return det, domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "detect", "could not scan the project tree", err)
	}
	return det, det.Err()
}

// rewriteSettings keeps a copy of the original settings file next to it and
// writes the rewritten module.
func (o *Orchestrator) rewriteSettings(d *domain.Deployment, workDir string, det project.Detection, port int, out *outcome) error {
	rel, err := project.LocateSettings(os.DirFS(workDir), det)
	if err != nil {
		return err
	}
	target := filepath.Join(workDir, filepath.FromSlash(rel))
	content, err := os.ReadFile(target)
	if err != nil {
		return domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "rewrite", "could not read settings", err)
	}
	backup := target + settings.BackupSuffix
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := os.WriteFile(backup, content, 0o644); err != nil {
			return domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "rewrite", "could not back up settings", err)
		}
	}

	rewritten, rep := o.rewriter.Rewrite(string(content), settings.Params{
		WorkDir:   filepath.ToSlash(workDir),
		Domain:    d.CustomDomain,
		Port:      port,
		Package:   det.PackageName(),
		ProxyHost: o.proxyHost(d),
	})
	if rep.Regenerated {
		out.warn("settings were regenerated from a template; only URL, WSGI and app settings were kept")
	}
	if err := os.WriteFile(target, []byte(rewritten), 0o644); err != nil {
		return domain.NewPipelineError(domain.ClassOperational, domain.CodeUnexpected, "rewrite", "could not write settings", err)
	}
	return nil
}

func (o *Orchestrator) launch(ctx context.Context, d *domain.Deployment, paths deployment.Paths, entry string, res *launcher.Reservation, used []int, out *outcome) error {
	h, err := o.launcher.Launch(ctx, launcher.Request{
		Paths:       paths,
		EntryDir:    entry,
		Env:         func(port int) []string { return o.processEnv(d, port) },
		Reservation: res,
		Exclude:     used,
	})
	if err != nil {
		return launchFailure(err)
	}
	if h.Attempts > 1 {
		out.warn(fmt.Sprintf("port conflict at startup; started on port %d after %d attempts", h.Port, h.Attempts))
	}
	out.port = h.Port
	out.address = deployment.Address(o.config.AddressHost, h.Port)
	return nil
}

func (o *Orchestrator) processEnv(d *domain.Deployment, port int) []string {
	return deployment.ProcessEnv(os.Environ(), d.EnvVars, map[string]string{
		deployment.VarPort:    fmt.Sprint(port),
		deployment.VarWorkDir: d.WorkDir,
		deployment.VarSafeID:  d.SafeID,
		deployment.VarAddress: deployment.Address(o.config.AddressHost, port),
	})
}

func entryDir(workDir string, det project.Detection) string {
	return filepath.Join(workDir, filepath.FromSlash(det.EntryDir()))
}

// launchFailure classifies an error from port reservation or launch.
func launchFailure(err error) error {
	var le *launcher.LaunchError
	switch {
	case runner.IsToolNotFound(err):
		return domain.NewPipelineError(domain.ClassToolAbsent, domain.CodeToolMissing, "launch", "python interpreter is not available", err)
	case errors.Is(err, deployment.ErrNoPorts):
		return domain.NewPipelineError(domain.ClassOperational, domain.CodePortsExhausted, "launch", "no free port is available", err)
	case errors.As(err, &le):
		msg := "the server exited during startup"
		if le.LogTail != "" {
			msg += ":\n" + le.LogTail
		}
		return domain.NewPipelineError(domain.ClassOperational, domain.CodeLaunchFailed, "launch", msg, err)
	}
	return domain.AsPipelineError("launch", err)
}

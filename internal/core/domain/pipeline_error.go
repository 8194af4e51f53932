package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Failure Classes
// =============================================================================

// FailureClass groups pipeline failures by how the pipeline reacts to them.
type FailureClass string

const (
	// ClassStructural: the upload is not a deployable project. Aborts.
	ClassStructural FailureClass = "fatal_structural"
	// ClassBestEffort: recorded as a warning, the pipeline continues.
	ClassBestEffort FailureClass = "best_effort"
	// ClassOperational: the host could not do what was asked. Aborts.
	ClassOperational FailureClass = "operational"
	// ClassToolAbsent: an interpreter or tool the pipeline needs is missing. Aborts.
	ClassToolAbsent FailureClass = "tool_absent"
)

var classMessages = map[FailureClass]string{
	ClassStructural:  "The uploaded project is not a valid Django project",
	ClassBestEffort:  "Deployment finished with warnings",
	ClassOperational: "Deployment failed on the host",
	ClassToolAbsent:  "A required tool is not installed on the host",
}

// Fatal reports whether failures of this class stop the pipeline.
func (c FailureClass) Fatal() bool {
	return c != ClassBestEffort
}

// Failure codes used across the pipeline.
const (
	CodeMalformedArchive    = "malformed-archive"
	CodeMissingEntryScript  = "missing-entry-script"
	CodeMissingConfigModule = "missing-config-module"
	CodeArchiveTooLarge     = "archive-too-large"
	CodeMissingProject      = "missing-entry-script-or-config"
	CodeMissingSettings     = "missing-settings-file"
	CodeExtractFailed       = "extract-failed"
	CodeInstallFailed       = "install-failed"
	CodeMigrationFailed     = "migration-failed"
	CodePortsExhausted      = "ports-exhausted"
	CodeLaunchFailed        = "launch-failed"
	CodeGroupFailed         = "group-failed"
	CodeMissingDescriptor   = "missing-group-descriptor"
	CodeInvalidDescriptor   = "invalid-group-descriptor"
	CodeToolMissing         = "tool-missing"
	CodeUnexpected          = "unexpected"
	CodeBusy                = "deployment-busy"
)

// =============================================================================
// PipelineError
// =============================================================================

// PipelineError is a classified failure raised by a pipeline step.
type PipelineError struct {
	Class   FailureClass
	Code    string
	Step    string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Step, e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s/%s]: %s", e.Class, e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// UserMessage is the human-readable text stored on the deployment.
func (e *PipelineError) UserMessage() string {
	head := classMessages[e.Class]
	if head == "" {
		head = classMessages[ClassOperational]
	}
	if e.Message == "" {
		return head
	}
	return head + ": " + e.Message
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(class FailureClass, code, step, message string, err error) *PipelineError {
	return &PipelineError{
		Class:   class,
		Code:    code,
		Step:    step,
		Message: message,
		Err:     err,
	}
}

// AsPipelineError classifies err. Unclassified errors become operational
// failures that keep the original message.
func AsPipelineError(step string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return NewPipelineError(ClassOperational, CodeUnexpected, step, err.Error(), err)
}

package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrOwnerRequired        = errors.New("owner is required")
	ErrInvalidProjectName   = errors.New("project name must be between 3 and 50 characters")
	ErrInvalidEnvKey        = errors.New("environment variable key must match ^[A-Z_][A-Z0-9_]*$")
	ErrInvalidResourceLimit = errors.New("resource limit must be one of 256m, 512m, 1g, 2g")
	ErrInvalidMode          = errors.New("deployment mode must be process or container_group")
	ErrSafeIDExhausted      = errors.New("could not allocate a free safe identifier")
)

const (
	MinProjectNameLength = 3
	MaxProjectNameLength = 50
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusBuilding   DeploymentStatus = "building"
	StatusDeployed   DeploymentStatus = "deployed"
	StatusFailed     DeploymentStatus = "failed"
	StatusStopped    DeploymentStatus = "stopped"
	StatusRestarting DeploymentStatus = "restarting"
	StatusError      DeploymentStatus = "error"
)

// =============================================================================
// Mode
// =============================================================================

// Mode selects how a deployment is run. It is fixed when the deployment is
// created and decides which controller owns start, stop and status.
type Mode string

const (
	ModeProcess        Mode = "process"
	ModeContainerGroup Mode = "container_group"
)

// ParseMode parses a mode name. The empty string means ModeProcess.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(s))) {
	case "", ModeProcess:
		return ModeProcess, nil
	case ModeContainerGroup:
		return ModeContainerGroup, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// =============================================================================
// Resource Limit
// =============================================================================

// ResourceLimit is the declared memory ceiling for a deployment.
type ResourceLimit string

const (
	Limit256M ResourceLimit = "256m"
	Limit512M ResourceLimit = "512m"
	Limit1G   ResourceLimit = "1g"
	Limit2G   ResourceLimit = "2g"

	DefaultResourceLimit = Limit512M
)

var resourceLimitBytes = map[ResourceLimit]int64{
	Limit256M: 256 << 20,
	Limit512M: 512 << 20,
	Limit1G:   1 << 30,
	Limit2G:   2 << 30,
}

// ParseResourceLimit parses a limit name. The empty string means DefaultResourceLimit.
func ParseResourceLimit(s string) (ResourceLimit, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultResourceLimit, nil
	}
	if _, ok := resourceLimitBytes[ResourceLimit(s)]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceLimit, s)
	}
	return ResourceLimit(s), nil
}

// Bytes returns the limit in bytes, or 0 for an unknown limit.
func (r ResourceLimit) Bytes() int64 {
	return resourceLimitBytes[r]
}

// =============================================================================
// Environment Variables
// =============================================================================

var envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidateEnvVars checks every key against the uppercase identifier rule.
func ValidateEnvVars(env map[string]string) error {
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidEnvKey, k)
		}
	}
	return nil
}

// ParseEnvLines parses KEY=value lines. Blank lines and # comments are skipped.
func ParseEnvLines(text string) (map[string]string, error) {
	env := make(map[string]string)
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY=value", i+1)
		}
		key = strings.TrimSpace(key)
		if !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("line %d: %w: %q", i+1, ErrInvalidEnvKey, key)
		}
		env[key] = strings.TrimSpace(value)
	}
	return env, nil
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one uploaded project and everything needed to run it.
type Deployment struct {
	ID              string            `json:"id"`
	Owner           string            `json:"owner"`
	ProjectName     string            `json:"project_name"`
	SafeID          string            `json:"safe_id"`
	Mode            Mode              `json:"mode"`
	SourceArchive   string            `json:"source_archive"`
	RejectedArchive string            `json:"rejected_archive,omitempty"`
	WorkDir         string            `json:"work_dir"`
	Port            int               `json:"port,omitempty"` // 0 until launched
	Address         string            `json:"address,omitempty"`
	CustomDomain    string            `json:"custom_domain,omitempty"`
	ResourceLimit   ResourceLimit     `json:"resource_limit"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	Status          DeploymentStatus  `json:"status"`
	Active          bool              `json:"active"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastDeployedAt  *time.Time        `json:"last_deployed_at,omitempty"`
}

// NewDeployment creates a pending deployment. The safe identifier must
// already be unique for the owner; see SafeIdentifier.
func NewDeployment(owner, projectName, safeID string, mode Mode, limit ResourceLimit, env map[string]string) (*Deployment, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrOwnerRequired
	}
	name := strings.TrimSpace(projectName)
	if len(name) < MinProjectNameLength || len(name) > MaxProjectNameLength {
		return nil, ErrInvalidProjectName
	}
	if mode != ModeProcess && mode != ModeContainerGroup {
		return nil, ErrInvalidMode
	}
	if limit.Bytes() == 0 {
		return nil, ErrInvalidResourceLimit
	}
	if err := ValidateEnvVars(env); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:            uuid.New().String(),
		Owner:         owner,
		ProjectName:   name,
		SafeID:        safeID,
		Mode:          mode,
		ResourceLimit: limit,
		EnvVars:       env,
		Status:        StatusPending,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Transition moves the deployment to a new status.
// Moving to the current status is allowed and only touches UpdatedAt.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if d.Status != to {
		if err := ValidateTransition(d.Status, to); err != nil {
			return err
		}
	}

	d.Status = to
	d.UpdatedAt = time.Now().UTC()

	if to == StatusBuilding || to == StatusRestarting {
		d.ErrorMessage = ""
	}
	return nil
}

// MarkDeployed records a successful launch.
func (d *Deployment) MarkDeployed(port int, address string) error {
	if err := d.Transition(StatusDeployed); err != nil {
		return err
	}
	now := d.UpdatedAt
	d.Port = port
	d.Address = address
	d.ErrorMessage = ""
	d.LastDeployedAt = &now
	return nil
}

// MarkFailed moves the deployment to failed with a user-facing message.
func (d *Deployment) MarkFailed(message string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.ErrorMessage = message
	return nil
}

// DisplayAddress is the address shown to the owner: the custom domain when
// one is set, otherwise the launch address.
func (d *Deployment) DisplayAddress() string {
	if d.CustomDomain != "" {
		return d.CustomDomain
	}
	return d.Address
}

// IsActiveStatus reports whether the recorded status claims a live process.
func (d *Deployment) IsActiveStatus() bool {
	return d.Status == StatusDeployed
}

// =============================================================================
// State Machine
// =============================================================================

var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:    {StatusBuilding, StatusFailed},
	StatusBuilding:   {StatusDeployed, StatusFailed},
	StatusDeployed:   {StatusBuilding, StatusStopped, StatusRestarting, StatusError, StatusFailed},
	StatusFailed:     {StatusBuilding, StatusRestarting, StatusStopped, StatusDeployed},
	StatusStopped:    {StatusBuilding, StatusRestarting, StatusDeployed, StatusFailed},
	StatusRestarting: {StatusDeployed, StatusFailed},
	StatusError:      {StatusBuilding, StatusRestarting, StatusStopped, StatusDeployed, StatusFailed},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

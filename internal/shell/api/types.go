package api

import (
	"sort"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// ToggleRequest is the request body for activating or deactivating a
// container group.
type ToggleRequest struct {
	Active *bool `json:"active"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment operations. Environment
// values are not echoed back, only their keys.
type DeploymentResponse struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	ProjectName     string     `json:"project_name"`
	SafeID          string     `json:"safe_id"`
	Mode            string     `json:"mode"`
	Status          string     `json:"status"`
	Active          bool       `json:"active"`
	Port            int        `json:"port,omitempty"`
	Address         string     `json:"address,omitempty"`
	CustomDomain    string     `json:"custom_domain,omitempty"`
	ResourceLimit   string     `json:"resource_limit"`
	EnvKeys         []string   `json:"env_keys"`
	HasRejectedFile bool       `json:"has_rejected_archive"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastDeployedAt  *time.Time `json:"last_deployed_at,omitempty"`
}

// OperationResponse pairs the deployment with the outcome of the operation
// that was run on it. Deployment is absent when an upload was rejected.
type OperationResponse struct {
	Deployment *DeploymentResponse `json:"deployment,omitempty"`
	Result     domain.DeployResult `json:"result"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// EventsResponse lists a deployment's history, oldest first.
type EventsResponse struct {
	Events []domain.DeploymentEvent `json:"events"`
}

// ValidateResponse is the outcome of an archive check.
type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Verdict string `json:"verdict"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	keys := make([]string, 0, len(d.EnvVars))
	for k := range d.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return DeploymentResponse{
		ID:              d.ID,
		Owner:           d.Owner,
		ProjectName:     d.ProjectName,
		SafeID:          d.SafeID,
		Mode:            string(d.Mode),
		Status:          string(d.Status),
		Active:          d.Active,
		Port:            d.Port,
		Address:         d.Address,
		CustomDomain:    d.CustomDomain,
		ResourceLimit:   string(d.ResourceLimit),
		EnvKeys:         keys,
		HasRejectedFile: d.RejectedArchive != "",
		ErrorMessage:    d.ErrorMessage,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		LastDeployedAt:  d.LastDeployedAt,
	}
}

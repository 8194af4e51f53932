package store

import (
	"context"

	"github.com/artpar/djangohost/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deployments and their history.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// GetDeploymentBySafeID matches owner ignoring case.
	GetDeploymentBySafeID(ctx context.Context, owner, safeID string) (*domain.Deployment, error)
	// GetDeploymentByDomain finds the most recently updated deployment whose
	// custom domain matches hostname, ignoring case.
	GetDeploymentByDomain(ctx context.Context, hostname string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByOwner(ctx context.Context, owner string, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)

	// SafeIDTaken reports whether owner, ignoring case, already has a
	// deployment with safeID.
	SafeIDTaken(ctx context.Context, owner, safeID string) (bool, error)
	// WorkDirTaken reports whether any deployment owns workDir.
	WorkDirTaken(ctx context.Context, workDir string) (bool, error)

	// Event history
	AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error
	ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Package proxy holds the pure routing rules of the app proxy: which
// hostname maps to which deployment, and whether it can take traffic.
package proxy

import (
	"net"
	"strconv"

	"github.com/artpar/djangohost/internal/core/domain"
)

// Target is the destination for a proxied request.
type Target struct {
	DeploymentID string
	Owner        string
	SafeID       string
	Port         int
	Status       domain.DeploymentStatus
	Active       bool
}

// TargetFor builds a target from a deployment record.
func TargetFor(d *domain.Deployment) Target {
	return Target{
		DeploymentID: d.ID,
		Owner:        d.Owner,
		SafeID:       d.SafeID,
		Port:         d.Port,
		Status:       d.Status,
		Active:       d.Active,
	}
}

// CanRoute reports whether the target accepts traffic. Only deployed,
// active deployments with an assigned port do.
func (t Target) CanRoute() bool {
	return t.Status == domain.StatusDeployed && t.Active && t.Port > 0
}

// Address returns host:port for the upstream. An empty host means loopback.
func (t Target) Address(host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

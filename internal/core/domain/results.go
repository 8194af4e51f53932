package domain

import "time"

// =============================================================================
// Operation Results
// =============================================================================

// DeployResult is returned by deploy, update and restart.
type DeployResult struct {
	Success  bool     `json:"success"`
	Address  string   `json:"address,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// StatusSnapshot describes what is running right now.
type StatusSnapshot struct {
	Running bool   `json:"running"`
	LogTail string `json:"log_tail"`
	Error   string `json:"error,omitempty"`
}

// MetricsSnapshot is a point-in-time resource reading.
type MetricsSnapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsage    int64   `json:"memory_usage"`
	DiskUsageBytes int64   `json:"disk_usage_bytes"`
	Status         string  `json:"status"`
}

// =============================================================================
// Deployment Events
// =============================================================================

type EventLevel string

const (
	EventInfo    EventLevel = "info"
	EventWarning EventLevel = "warning"
	EventError   EventLevel = "error"
	EventSuccess EventLevel = "success"
)

// DeploymentEvent is one entry in a deployment's history.
type DeploymentEvent struct {
	ID           int64      `json:"id"`
	DeploymentID string     `json:"deployment_id"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      string     `json:"details,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(deploymentID string, level EventLevel, message, details string) DeploymentEvent {
	return DeploymentEvent{
		DeploymentID: deploymentID,
		Level:        level,
		Message:      message,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
}

package docker

import (
	"context"
	"time"
)

// ProjectLabel is the label compose puts on every container of a project.
const ProjectLabel = "com.docker.compose.project"

// ServiceLabel names the compose service a container belongs to.
const ServiceLabel = "com.docker.compose.service"

// =============================================================================
// Container Types
// =============================================================================

// PortBinding describes a published container port.
type PortBinding struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"`
	HostIP        string `json:"host_ip,omitempty"`
}

// ContainerStatus represents the state of a container.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo is what the host reports about one container of a group.
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Service   string            `json:"service,omitempty"`
	Image     string            `json:"image"`
	Status    ContainerStatus   `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Ports     []PortBinding     `json:"ports,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Running reports whether the container is up.
func (c ContainerInfo) Running() bool {
	return c.Status == ContainerStatusRunning
}

// ContainerResourceStats is a one-shot resource reading for a container.
type ContainerResourceStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	MemoryLimitBytes int64   `json:"memory_limit_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
	NetworkRxBytes   int64   `json:"network_rx_bytes"`
	NetworkTxBytes   int64   `json:"network_tx_bytes"`
	PIDs             int     `json:"pids"`
}

// GroupStats sums the readings of every running container in a group.
type GroupStats struct {
	Containers  int     `json:"containers"`
	Running     int     `json:"running"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage int64   `json:"memory_usage"`
}

// =============================================================================
// Client Interface
// =============================================================================

// Client inspects the containers of compose-managed groups. Starting and
// stopping groups goes through the compose CLI; see Compose.
type Client interface {
	Ping(ctx context.Context) error
	ListGroupContainers(ctx context.Context, project string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
	ContainerStats(ctx context.Context, containerID string) (*ContainerResourceStats, error)
	Close() error
}

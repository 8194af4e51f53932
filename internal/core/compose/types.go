package compose

import (
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Descriptor - Main Output Type
// =============================================================================

// Descriptor is the part of a compose file the host needs: which services
// run, what they publish and how much memory they ask for.
type Descriptor struct {
	// File is the descriptor path relative to the project tree.
	File     string    `json:"file"`
	Services []Service `json:"services"`
	Volumes  []string  `json:"volumes,omitempty"`
}

// Service represents a single service definition.
type Service struct {
	Name        string   `json:"name"`
	Image       string   `json:"image,omitempty"`
	Build       bool     `json:"build"`
	Ports       []Port   `json:"ports,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	MemoryLimit int64    `json:"memory_limit,omitempty"` // Bytes
}

// Port represents a published port mapping.
type Port struct {
	Container nat.Port `json:"container"`           // e.g. "8000/tcp"
	Published int      `json:"published,omitempty"` // Host port (0 = dynamic)
	HostIP    string   `json:"host_ip,omitempty"`
}

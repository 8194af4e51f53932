// Package docker inspects compose-managed container groups: their
// containers, logs and resource usage. Lifecycle changes go through the
// compose CLI.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const pingTimeout = 5 * time.Second

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(host string) (*DockerClient, error) {
	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}
	if host != "" {
		return &DockerClient{cli: cli}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if _, pingErr := cli.Ping(ctx); pingErr != nil {
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &DockerClient{cli: cli2}, nil
			}
			cli2.Close()
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Group Operations
// =============================================================================

// ListGroupContainers returns every container, running or not, that compose
// created for project.
func (d *DockerClient) ListGroupContainers(ctx context.Context, project string) ([]ContainerInfo, error) {
	listOpts := container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ProjectLabel+"="+project)),
	}

	containers, err := d.cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, NewDockerError("ListGroupContainers", "group", project, err.Error(), err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}

		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Service:   c.Labels[ServiceLabel],
			Image:     c.Image,
			Status:    ContainerStatus(c.State),
			CreatedAt: time.Unix(c.Created, 0),
			Ports:     ports,
			Labels:    c.Labels,
		})
	}

	return result, nil
}

// ContainerLogs returns the last tail lines of a container's output with
// stdout and stderr merged.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewDockerError("ContainerLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return "", NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tail > 0 {
		logOpts.Tail = strconv.Itoa(tail)
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		return "", NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}
	defer reader.Close()

	tty := inspect.Config != nil && inspect.Config.Tty
	out, err := readLogs(reader, tty)
	if err != nil {
		return "", NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}
	return out, nil
}

// readLogs decodes a log stream. Without a TTY the daemon multiplexes
// stdout and stderr into framed chunks.
func readLogs(r io.Reader, tty bool) (string, error) {
	var buf bytes.Buffer
	if tty {
		_, err := io.Copy(&buf, r)
		return buf.String(), err
	}
	if _, err := stdcopy.StdCopy(&buf, &buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ContainerStats returns a one-shot resource reading.
func (d *DockerClient) ContainerStats(ctx context.Context, containerID string) (*ContainerResourceStats, error) {
	statsResp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("ContainerStats", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerStats", "container", containerID, err.Error(), err)
	}
	defer statsResp.Body.Close()

	var statsJSON container.StatsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&statsJSON); err != nil {
		return nil, NewDockerError("ContainerStats", "container", containerID, "failed to parse stats: "+err.Error(), err)
	}

	return calculateStats(&statsJSON), nil
}

// calculateStats calculates resource stats from Docker stats response.
func calculateStats(stats *container.StatsResponse) *ContainerResourceStats {
	result := &ContainerResourceStats{}

	// CPU percentage
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpuCount := float64(stats.CPUStats.OnlineCPUs)
	if cpuCount == 0 {
		cpuCount = 1
	}
	if systemDelta > 0 && cpuDelta > 0 {
		result.CPUPercent = (cpuDelta / systemDelta) * cpuCount * 100.0
	}

	// Memory
	result.MemoryUsageBytes = int64(stats.MemoryStats.Usage)
	result.MemoryLimitBytes = int64(stats.MemoryStats.Limit)
	if result.MemoryLimitBytes > 0 {
		result.MemoryPercent = float64(result.MemoryUsageBytes) / float64(result.MemoryLimitBytes) * 100.0
	}

	// Network I/O
	for _, netStats := range stats.Networks {
		result.NetworkRxBytes += int64(netStats.RxBytes)
		result.NetworkTxBytes += int64(netStats.TxBytes)
	}

	result.PIDs = int(stats.PidsStats.Current)

	return result
}

// =============================================================================
// Group Aggregates
// =============================================================================

// CollectGroupStats sums the stats of every running container of project.
// Containers whose stats cannot be read are counted but contribute nothing.
func CollectGroupStats(ctx context.Context, c Client, project string) (GroupStats, error) {
	containers, err := c.ListGroupContainers(ctx, project)
	if err != nil {
		return GroupStats{}, err
	}

	stats := GroupStats{Containers: len(containers)}
	for _, ctr := range containers {
		if !ctr.Running() {
			continue
		}
		stats.Running++
		s, err := c.ContainerStats(ctx, ctr.ID)
		if err != nil {
			continue
		}
		stats.CPUPercent += s.CPUPercent
		stats.MemoryUsage += s.MemoryUsageBytes
	}
	return stats, nil
}

// GroupLogs returns the log tail of every container of project, each
// preceded by a header naming the container.
func GroupLogs(ctx context.Context, c Client, project string, tail int) (string, error) {
	containers, err := c.ListGroupContainers(ctx, project)
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", NewDockerError("GroupLogs", "group", project, "no containers", ErrGroupNotFound)
	}

	var sb strings.Builder
	for _, ctr := range containers {
		fmt.Fprintf(&sb, "==> %s (%s) <==\n", ctr.Name, ctr.Status)
		logs, err := c.ContainerLogs(ctx, ctr.ID, tail)
		if err != nil {
			fmt.Fprintf(&sb, "[logs unavailable: %v]\n", err)
			continue
		}
		sb.WriteString(logs)
		if logs != "" && !strings.HasSuffix(logs, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// GroupRunning reports whether any container of project is running.
func GroupRunning(ctx context.Context, c Client, project string) (bool, error) {
	containers, err := c.ListGroupContainers(ctx, project)
	if err != nil {
		return false, err
	}
	for _, ctr := range containers {
		if ctr.Running() {
			return true, nil
		}
	}
	return false, nil
}

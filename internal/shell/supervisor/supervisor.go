// Package supervisor answers whether a launched project process is alive,
// stops it, and removes everything it owns on disk. The process handle is
// re-derived from the marker files next to the working directory, so the
// supervisor holds no state of its own.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
)

var (
	// ErrMetricsUnsupported is returned where per-process metrics cannot be read.
	ErrMetricsUnsupported = errors.New("process metrics are not supported on this platform")
	// ErrStaleMarker is returned when the recorded pid now belongs to a
	// process started after the marker was written.
	ErrStaleMarker = errors.New("pid marker names a different process")
)

// markerSlack absorbs the coarse boot-time resolution of process start times.
const markerSlack = 2 * time.Second

// procSample is one reading of a process's accounting.
type procSample struct {
	CPUSeconds float64
	RSSBytes   int64
	Zombie     bool
	// StartedAt is zero where the start time cannot be read.
	StartedAt time.Time
}

// Remover deletes a path under the hosting root.
type Remover interface {
	Cleanup(path string) error
}

// Config configures the supervisor.
type Config struct {
	// LogTailBytes is how much of the log Status returns.
	LogTailBytes int64
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// SampleInterval is the CPU sampling window for Metrics.
	SampleInterval time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		LogTailBytes:   4096,
		StopGrace:      5 * time.Second,
		SampleInterval: 250 * time.Millisecond,
	}
}

// Supervisor inspects and stops project processes.
type Supervisor struct {
	config Config
	files  Remover
	logger *slog.Logger
}

// New creates a supervisor. files removes working directories on Cleanup.
func New(cfg Config, files Remover, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.LogTailBytes <= 0 {
		cfg.LogTailBytes = def.LogTailBytes
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	return &Supervisor{
		config: cfg,
		files:  files,
		logger: logger.With("component", "supervisor"),
	}
}

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 || !signalAlive(pid) {
		return false
	}
	if s, err := readProcStat(pid); err == nil && s.Zombie {
		return false
	}
	return true
}

// ownsPID reports whether pid can still be the process the marker was
// written for. Markers are written after the process starts, so a process
// that started later reuses the pid. Without a readable start time the pid
// is trusted.
func ownsPID(p deployment.Paths, pid int) bool {
	info, err := os.Stat(p.PIDFile)
	if err != nil {
		return false
	}
	sample, err := readProcStat(pid)
	if err != nil || sample.StartedAt.IsZero() {
		return true
	}
	return !sample.StartedAt.After(info.ModTime().Add(markerSlack))
}

// =============================================================================
// Status
// =============================================================================

// Status reports whether the deployment's process runs and returns the tail
// of its log. A missing or unreadable marker means not running.
func (s *Supervisor) Status(p deployment.Paths) domain.StatusSnapshot {
	snap := domain.StatusSnapshot{}

	logs, err := TailFile(p.LogFile, s.config.LogTailBytes)
	if err != nil {
		s.logger.Warn("failed to read log", "log", p.LogFile, "error", err)
		snap.Error = fmt.Sprintf("log unavailable: %v", err)
	}
	snap.LogTail = logs

	pid, err := ReadPID(p)
	if err != nil {
		if !errors.Is(err, ErrNoMarker) {
			s.logger.Warn("ignoring unreadable pid marker", "marker", p.PIDFile, "error", err)
		}
		return snap
	}
	snap.Running = Alive(pid) && ownsPID(p, pid)
	return snap
}

// =============================================================================
// Stop & Cleanup
// =============================================================================

// Stop sends SIGTERM to the recorded process, escalating to SIGKILL if it
// outlives the grace period, and removes the pid marker. Without a marker
// there is nothing to stop.
func (s *Supervisor) Stop(ctx context.Context, p deployment.Paths) error {
	pid, err := ReadPID(p)
	if errors.Is(err, ErrNoMarker) {
		return nil
	}
	if err != nil {
		s.logger.Warn("removing unreadable pid marker", "marker", p.PIDFile, "error", err)
		return RemoveMarkers(p)
	}

	log := s.logger.With("pid", pid, "deployment", p.Name)
	alive := Alive(pid)
	if alive && !ownsPID(p, pid) {
		log.Warn("pid marker is stale, not signalling")
		alive = false
	}
	if alive {
		if err := terminate(pid, false); err != nil {
			log.Error("failed to signal process", "error", err)
		} else if !s.waitExit(ctx, pid) {
			log.Warn("process ignored SIGTERM, killing")
			if err := terminate(pid, true); err != nil {
				log.Error("failed to kill process", "error", err)
			}
		}
	}

	if err := RemoveMarkers(p); err != nil {
		log.Error("failed to remove markers", "error", err)
		return err
	}
	log.Info("process stopped")
	return nil
}

func (s *Supervisor) waitExit(ctx context.Context, pid int) bool {
	deadline := time.NewTimer(s.config.StopGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}

// Cleanup stops the process and removes the working directory, markers and
// log. Paths that are already gone are fine.
func (s *Supervisor) Cleanup(ctx context.Context, p deployment.Paths) error {
	var errs []error
	if err := s.Stop(ctx, p); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if s.files != nil {
		for _, path := range []string{p.WorkDir, p.PIDFile, p.PortFile, p.LogFile} {
			if err := s.files.Cleanup(path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("cleanup incomplete", "deployment", p.Name, "error", err)
		return err
	}
	s.logger.Info("deployment files removed", "deployment", p.Name)
	return nil
}

// =============================================================================
// Metrics
// =============================================================================

// ProcessStats is a resource reading for a running process.
type ProcessStats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Metrics samples the recorded process's CPU over the sample interval and
// reads its resident memory.
func (s *Supervisor) Metrics(ctx context.Context, p deployment.Paths) (ProcessStats, error) {
	pid, err := ReadPID(p)
	if err != nil {
		return ProcessStats{}, err
	}
	if !ownsPID(p, pid) {
		return ProcessStats{}, ErrStaleMarker
	}
	first, err := readProcStat(pid)
	if err != nil {
		return ProcessStats{}, err
	}
	start := time.Now()

	select {
	case <-ctx.Done():
		return ProcessStats{}, ctx.Err()
	case <-time.After(s.config.SampleInterval):
	}

	second, err := readProcStat(pid)
	if err != nil {
		return ProcessStats{}, err
	}
	return ProcessStats{
		CPUPercent:  cpuPercent(first, second, time.Since(start)),
		MemoryBytes: second.RSSBytes,
	}, nil
}

func cpuPercent(a, b procSample, elapsed time.Duration) float64 {
	if elapsed <= 0 || b.CPUSeconds < a.CPUSeconds {
		return 0
	}
	return (b.CPUSeconds - a.CPUSeconds) / elapsed.Seconds() * 100.0
}

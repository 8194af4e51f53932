// Package workers contains background workers for djangohost.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LivenessTarget is what the liveness worker sweeps. The hosting
// orchestrator implements it.
type LivenessTarget interface {
	// LivenessCandidates returns the IDs of deployments marked deployed.
	LivenessCandidates(ctx context.Context) ([]string, error)
	// CheckDeployment probes one deployment and reports whether it was
	// found dead and marked errored.
	CheckDeployment(ctx context.Context, id string) bool
	// RefreshStatusCounts recomputes the per-status gauge.
	RefreshStatusCounts(ctx context.Context)
}

// LivenessConfig configures the liveness worker.
type LivenessConfig struct {
	// Interval is the time between sweeps.
	// Default: 30 seconds.
	Interval time.Duration

	// DeploymentTimeout bounds the probe of a single deployment.
	// Default: 10 seconds.
	DeploymentTimeout time.Duration

	// MaxConcurrent is the maximum number of deployments probed at once.
	// Default: 5.
	MaxConcurrent int
}

// DefaultLivenessConfig returns the default configuration.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		Interval:          30 * time.Second,
		DeploymentTimeout: 10 * time.Second,
		MaxConcurrent:     5,
	}
}

// LivenessChecker periodically looks for deployed deployments whose server
// process or container group has gone away and moves them to error.
type LivenessChecker struct {
	target LivenessTarget
	config LivenessConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLivenessChecker creates a new liveness worker.
func NewLivenessChecker(target LivenessTarget, config LivenessConfig, logger *slog.Logger) *LivenessChecker {
	defaults := DefaultLivenessConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.DeploymentTimeout == 0 {
		config.DeploymentTimeout = defaults.DeploymentTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &LivenessChecker{
		target: target,
		config: config,
		logger: logger.With("component", "liveness_checker"),
	}
}

// Start begins the background sweep.
func (l *LivenessChecker) Start() {
	l.ctx, l.cancel = context.WithCancel(context.Background())

	l.wg.Add(1)
	go l.run()

	l.logger.Info("liveness checker started",
		"interval", l.config.Interval,
		"max_concurrent", l.config.MaxConcurrent,
	)
}

// Stop cancels the sweep and waits for in-flight probes to finish.
func (l *LivenessChecker) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("liveness checker stopped")
}

func (l *LivenessChecker) run() {
	defer l.wg.Done()

	// Run immediately on start
	l.runCycle(l.ctx)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.runCycle(l.ctx)
		}
	}
}

// runCycle sweeps every candidate once and returns how many were lost.
func (l *LivenessChecker) runCycle(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, l.config.Interval)
	defer cancel()

	ids, err := l.target.LivenessCandidates(ctx)
	if err != nil {
		l.logger.Error("failed to list deployed deployments", "error", err)
		return 0
	}

	var lost atomic.Int64
	if len(ids) > 0 {
		l.logger.Debug("starting liveness cycle", "deployment_count", len(ids))

		sem := make(chan struct{}, l.config.MaxConcurrent)
		var wg sync.WaitGroup

		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()

				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
					defer func() { <-sem }()
				}

				probeCtx, probeCancel := context.WithTimeout(ctx, l.config.DeploymentTimeout)
				defer probeCancel()
				if l.target.CheckDeployment(probeCtx, id) {
					lost.Add(1)
				}
			}(id)
		}
		wg.Wait()
	}

	l.target.RefreshStatusCounts(ctx)

	n := int(lost.Load())
	if n > 0 {
		l.logger.Warn("liveness cycle found dead deployments", "lost", n)
	} else {
		l.logger.Debug("completed liveness cycle", "deployment_count", len(ids))
	}
	return n
}

// CheckAllNow runs one sweep immediately and returns how many deployments
// were found dead.
func (l *LivenessChecker) CheckAllNow(ctx context.Context) int {
	return l.runCycle(ctx)
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/settings"
	"github.com/artpar/djangohost/internal/shell/api"
	"github.com/artpar/djangohost/internal/shell/docker"
	"github.com/artpar/djangohost/internal/shell/hosting"
	"github.com/artpar/djangohost/internal/shell/installer"
	"github.com/artpar/djangohost/internal/shell/launcher"
	"github.com/artpar/djangohost/internal/shell/manage"
	"github.com/artpar/djangohost/internal/shell/metrics"
	"github.com/artpar/djangohost/internal/shell/proxy"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/store"
	"github.com/artpar/djangohost/internal/shell/supervisor"
	"github.com/artpar/djangohost/internal/shell/workers"
	"github.com/artpar/djangohost/internal/shell/workspace"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitStorageError    = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the djangohost application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	appProxy   *http.Server
	store      store.Store
	docker     docker.Client
	liveness   *workers.LivenessChecker
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	ws, err := workspace.New(cfg.Hosting.Root)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStorageError}
	}
	archives, err := workspace.NewArchiveStore(cfg.Hosting.ArchiveDir, cfg.Hosting.MaxArchiveBytes)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStorageError}
	}

	// The daemon is optional: process deployments never need it.
	var d docker.Client
	if cfg.Docker.Enabled {
		client, err := docker.NewDockerClient(cfg.Docker.Host)
		if err != nil {
			logger.Warn("docker unavailable, container group status disabled", "error", err)
		} else {
			d = client
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	exec := runner.NewExecRunner(logger)

	inst := installer.New(exec, installer.Config{
		Python:        cfg.Python.Command,
		Mode:          installer.Mode(cfg.Python.InstallMode),
		ProbeTimeout:  cfg.Timeouts.Probe,
		BulkTimeout:   cfg.Timeouts.BulkInstall,
		SingleTimeout: cfg.Timeouts.SingleInstall,
		ImportTimeout: cfg.Timeouts.ImportInstall,
	}, logger)

	migrations := manage.New(exec, manage.Config{
		Python:                cfg.Python.Command,
		MakeMigrationsTimeout: cfg.Timeouts.MakeMigrations,
		MigrateTimeout:        cfg.Timeouts.Migrate,
		CollectStaticTimeout:  cfg.Timeouts.CollectStatic,
	}, logger)

	launch := launcher.New(launcher.Config{
		Python:       cfg.Python.Command,
		Host:         cfg.Launch.BindHost,
		Ports:        deployment.NewPortRange(cfg.Ports.Base, cfg.Ports.Span),
		BindRetries:  cfg.Ports.BindRetries,
		GracePeriod:  cfg.Launch.GracePeriod,
		LogTailBytes: cfg.Launch.LogTailBytes,
	}, logger)

	sup := supervisor.New(supervisor.Config{
		LogTailBytes: cfg.Launch.LogTailBytes,
		StopGrace:    cfg.Launch.StopGrace,
	}, ws, logger)

	deps := hosting.Dependencies{
		Store:      s,
		Workspace:  ws,
		Archives:   archives,
		Installer:  inst,
		Migrations: migrations,
		Launcher:   launch,
		Supervisor: sup,
		Docker:     d,
		Metrics:    m,
		Rewriter:   settings.NewRewriter(nil),
	}
	if cfg.Group.Enabled {
		deps.Group = docker.NewCompose(exec, docker.ComposeConfig{
			Command:     cfg.Group.Command,
			UpTimeout:   cfg.Group.UpTimeout,
			DownTimeout: cfg.Group.DownTimeout,
		}, logger)
	}

	hostingCfg := hosting.Config{
		AddressHost:  cfg.Hosting.AddressHost,
		GroupLogTail: cfg.Group.LogTail,
	}
	if cfg.Proxy.Enabled {
		hostingCfg.ProxyBaseDomain = cfg.Proxy.BaseDomain
	}
	orch, err := hosting.New(hostingCfg, deps, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	var liveness *workers.LivenessChecker
	if cfg.Liveness.Enabled {
		liveness = workers.NewLivenessChecker(orch, workers.LivenessConfig{
			Interval:          cfg.Liveness.Interval,
			DeploymentTimeout: cfg.Liveness.Timeout,
			MaxConcurrent:     cfg.Liveness.MaxConcurrent,
		}, logger)
	}

	handler := api.NewHandler(orch, m, d, cfg.Hosting.MaxArchiveBytes, logger)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var appProxy *http.Server
	if cfg.Proxy.Enabled {
		proxyServer := proxy.NewServer(proxy.Config{
			Address:      cfg.Proxy.Address(),
			BaseDomain:   cfg.Proxy.BaseDomain,
			UpstreamHost: cfg.Launch.BindHost,
		}, s, logger)
		appProxy = &http.Server{
			Addr:         cfg.Proxy.Address(),
			Handler:      m.Instrument("proxy", proxyServer),
			ReadTimeout:  cfg.Proxy.ReadTimeout,
			WriteTimeout: cfg.Proxy.WriteTimeout,
			IdleTimeout:  cfg.Proxy.IdleTimeout,
		}
	}

	logger.Info("hosting configured",
		"root", cfg.Hosting.Root,
		"archive_dir", cfg.Hosting.ArchiveDir,
		"ports", deployment.NewPortRange(cfg.Ports.Base, cfg.Ports.Span).String(),
		"group_enabled", cfg.Group.Enabled,
		"docker", d != nil,
	)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		appProxy:   appProxy,
		store:      s,
		docker:     d,
		liveness:   liveness,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if s.liveness != nil {
		s.liveness.Start()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.appProxy != nil {
		go func() {
			s.logger.Info("starting app proxy",
				"address", s.appProxy.Addr,
				"base_domain", s.config.Proxy.BaseDomain)
			if err := s.appProxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Deployed servers keep running;
// they are found again through their markers on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if s.appProxy != nil {
		if err := s.appProxy.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("app proxy shutdown error", "error", err)
		}
	}

	if s.liveness != nil {
		s.liveness.Stop()
	}

	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("Docker client close error", "error", err)
		}
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	Hosting  HostingConfig  `mapstructure:"hosting"`
	Python   PythonConfig   `mapstructure:"python"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Launch   LaunchConfig   `mapstructure:"launch"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Group    GroupConfig    `mapstructure:"group"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether the daemon is contacted for group status,
	// logs and stats.
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HostingConfig holds where projects and uploads live.
type HostingConfig struct {
	Root            string `mapstructure:"root"`
	ArchiveDir      string `mapstructure:"archive_dir"`
	AddressHost     string `mapstructure:"address_host"`
	MaxArchiveBytes int64  `mapstructure:"max_archive_bytes"`
}

// PythonConfig selects the interpreter and install strategy.
type PythonConfig struct {
	Command string `mapstructure:"command"`
	// InstallMode is auto, system or user.
	InstallMode string `mapstructure:"install_mode"`
}

// PortsConfig is the range probed for development servers.
type PortsConfig struct {
	Base        int `mapstructure:"base"`
	Span        int `mapstructure:"span"`
	BindRetries int `mapstructure:"bind_retries"`
}

// LaunchConfig controls how a started server is judged healthy.
type LaunchConfig struct {
	BindHost     string        `mapstructure:"bind_host"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	LogTailBytes int64         `mapstructure:"log_tail_bytes"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// TimeoutsConfig bounds every external command the pipeline runs.
type TimeoutsConfig struct {
	Probe          time.Duration `mapstructure:"probe"`
	BulkInstall    time.Duration `mapstructure:"bulk_install"`
	SingleInstall  time.Duration `mapstructure:"single_install"`
	ImportInstall  time.Duration `mapstructure:"import_install"`
	MakeMigrations time.Duration `mapstructure:"makemigrations"`
	Migrate        time.Duration `mapstructure:"migrate"`
	CollectStatic  time.Duration `mapstructure:"collectstatic"`
}

// GroupConfig configures container-group deployments.
type GroupConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Command     string        `mapstructure:"command"`
	UpTimeout   time.Duration `mapstructure:"up_timeout"`
	DownTimeout time.Duration `mapstructure:"down_timeout"`
	LogTail     int           `mapstructure:"log_tail"`
}

// LivenessConfig configures the background liveness sweep.
type LivenessConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProxyConfig configures the app proxy listener.
type ProxyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseDomain   string        `mapstructure:"base_domain"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Address returns the proxy address in host:port format.
func (c ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "15m") // deploys run inside the request
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("hosting.root", "")
	v.SetDefault("hosting.archive_dir", "")
	v.SetDefault("hosting.address_host", "localhost")
	v.SetDefault("hosting.max_archive_bytes", 100<<20)

	v.SetDefault("python.command", "python3")
	v.SetDefault("python.install_mode", "auto")

	v.SetDefault("ports.base", 8000)
	v.SetDefault("ports.span", 100)
	v.SetDefault("ports.bind_retries", 3)

	v.SetDefault("launch.bind_host", "127.0.0.1")
	v.SetDefault("launch.grace_period", "5s")
	v.SetDefault("launch.log_tail_bytes", 2048)
	v.SetDefault("launch.stop_grace", "5s")

	v.SetDefault("timeouts.probe", "5s")
	v.SetDefault("timeouts.bulk_install", "300s")
	v.SetDefault("timeouts.single_install", "180s")
	v.SetDefault("timeouts.import_install", "120s")
	v.SetDefault("timeouts.makemigrations", "60s")
	v.SetDefault("timeouts.migrate", "120s")
	v.SetDefault("timeouts.collectstatic", "60s")

	v.SetDefault("group.enabled", true)
	v.SetDefault("group.command", "docker compose")
	v.SetDefault("group.up_timeout", "60s")
	v.SetDefault("group.down_timeout", "30s")
	v.SetDefault("group.log_tail", 50)

	v.SetDefault("liveness.enabled", true)
	v.SetDefault("liveness.interval", "30s")
	v.SetDefault("liveness.timeout", "10s")
	v.SetDefault("liveness.max_concurrent", 5)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 9091)
	v.SetDefault("proxy.base_domain", "apps.localhost")
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.idle_timeout", "120s")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DJANGOHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDataDir()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDataDir places the database, hosting root and archives under
// DataDir unless they were set explicitly.
func (c *Config) applyDataDir() {
	if c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.DataDir, "djangohost.db")
	}
	if c.Hosting.Root == "" {
		c.Hosting.Root = filepath.Join(c.DataDir, "hosting")
	}
	if c.Hosting.ArchiveDir == "" {
		c.Hosting.ArchiveDir = filepath.Join(c.DataDir, "archives")
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Python.InstallMode {
	case "auto", "system", "user":
	default:
		return fmt.Errorf("python.install_mode must be auto, system or user, got %q", c.Python.InstallMode)
	}
	if strings.TrimSpace(c.Python.Command) == "" {
		return fmt.Errorf("python.command is required")
	}
	if c.Ports.Base <= 0 || c.Ports.Base > 65535 {
		return fmt.Errorf("ports.base must be between 1 and 65535, got %d", c.Ports.Base)
	}
	if c.Hosting.MaxArchiveBytes <= 0 {
		return fmt.Errorf("hosting.max_archive_bytes must be positive")
	}
	if c.Proxy.Enabled && strings.TrimSpace(c.Proxy.BaseDomain) == "" {
		return fmt.Errorf("proxy.base_domain is required when the proxy is enabled")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

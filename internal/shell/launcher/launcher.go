// Package launcher starts a project's development server on a free port
// and confirms it survives its first seconds.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/supervisor"
)

// ErrProcessExited is returned when the server dies during the grace period.
var ErrProcessExited = errors.New("server exited during startup")

// bindConflicts are the log fragments runserver prints when its port is taken.
var bindConflicts = []string{
	"That port is already in use",
	"Address already in use",
	"Errno 98",
	"Errno 48",
}

// LaunchError describes a server that did not stay up.
type LaunchError struct {
	Port     int
	Attempts int
	LogTail  string
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch on port %d failed after %d attempt(s): %v", e.Port, e.Attempts, e.Err)
	if e.LogTail != "" {
		msg += "\n" + e.LogTail
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the launcher.
type Config struct {
	// Python is the interpreter command, split with shell quoting rules.
	Python string
	// Host is the bind address passed to runserver.
	Host  string
	Ports deployment.PortRange
	// BindRetries bounds how many ports are tried when the server loses a
	// bind race.
	BindRetries int
	// GracePeriod is how long the server must survive to count as started.
	GracePeriod  time.Duration
	LogTailBytes int64
}

// DefaultConfig returns the default launcher configuration.
func DefaultConfig() Config {
	return Config{
		Python:       "python3",
		Host:         "127.0.0.1",
		Ports:        deployment.DefaultPortRange(),
		BindRetries:  3,
		GracePeriod:  5 * time.Second,
		LogTailBytes: 2048,
	}
}

// Launcher allocates ports and spawns servers.
type Launcher struct {
	config Config
	logger *slog.Logger
}

// New creates a launcher.
func New(cfg Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Ports.Size() == 0 {
		cfg.Ports = def.Ports
	}
	if cfg.BindRetries <= 0 {
		cfg.BindRetries = def.BindRetries
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.LogTailBytes <= 0 {
		cfg.LogTailBytes = def.LogTailBytes
	}
	return &Launcher{
		config: cfg,
		logger: logger.With("component", "launcher"),
	}
}

// Host returns the bind address.
func (l *Launcher) Host() string {
	return l.config.Host
}

// =============================================================================
// Port Reservation
// =============================================================================

// Reservation holds a port open so nothing else can take it before the
// server binds.
type Reservation struct {
	Port int
	ln   net.Listener
}

// Release frees the port. It is safe to call more than once.
func (r *Reservation) Release() {
	if r != nil && r.ln != nil {
		r.ln.Close()
		r.ln = nil
	}
}

// Reserve binds the first free port in the range, skipping exclude.
func (l *Launcher) Reserve(exclude []int) (*Reservation, error) {
	skip := make(map[int]bool, len(exclude))
	for _, p := range exclude {
		skip[p] = true
	}
	for port := range l.config.Ports.Candidates(skip) {
		ln, err := net.Listen("tcp", net.JoinHostPort(l.config.Host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return &Reservation{Port: port, ln: ln}, nil
	}
	return nil, fmt.Errorf("%w: %s", deployment.ErrNoPorts, l.config.Ports)
}

// =============================================================================
// Launch
// =============================================================================

// Request describes one server to start.
type Request struct {
	Paths deployment.Paths
	// EntryDir is the directory holding manage.py.
	EntryDir string
	// Env builds the child environment for the chosen port.
	Env func(port int) []string
	// Reservation is used for the first attempt when set; it is always
	// released before Launch returns.
	Reservation *Reservation
	// Exclude lists ports that must not be tried.
	Exclude []int
}

// Handle identifies a started server.
type Handle struct {
	PID      int
	Port     int
	LogFile  string
	Attempts int
}

// Launch starts runserver and waits out the grace period. The pid and port
// markers are written as soon as the process exists and removed again if it
// dies. A death caused by a taken port is retried on a fresh port.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Handle, error) {
	res := req.Reservation
	defer res.Release()
	exclude := append([]int(nil), req.Exclude...)

	var lastErr error
	for attempt := 1; attempt <= l.config.BindRetries; attempt++ {
		if res == nil {
			var err error
			if res, err = l.Reserve(exclude); err != nil {
				return nil, err
			}
		}
		port := res.Port
		log := l.logger.With("deployment", req.Paths.Name, "port", port, "attempt", attempt)

		h, tailText, err := l.start(ctx, req, res, attempt)
		res = nil
		if err == nil {
			log.Info("server started", "pid", h.PID)
			h.Attempts = attempt
			return h, nil
		}
		if !errors.Is(err, ErrProcessExited) {
			return nil, err
		}

		lastErr = &LaunchError{Port: port, Attempts: attempt, LogTail: tailText, Err: err}
		if !isBindConflict(tailText) {
			log.Warn("server exited during startup", "log_tail", tailText)
			return nil, lastErr
		}
		log.Warn("port taken at bind time, retrying")
		exclude = append(exclude, port)
	}
	return nil, lastErr
}

// start spawns one server on the reserved port.
func (l *Launcher) start(ctx context.Context, req Request, res *Reservation, attempt int) (*Handle, string, error) {
	name, args, err := runner.Split(l.config.Python)
	if err != nil {
		res.Release()
		return nil, "", err
	}
	args = append(args, "manage.py", "runserver",
		net.JoinHostPort(l.config.Host, strconv.Itoa(res.Port)), "--noreload")

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if attempt == 1 {
		flags |= os.O_TRUNC
	}
	logFile, err := os.OpenFile(req.Paths.LogFile, flags, 0o644)
	if err != nil {
		res.Release()
		return nil, "", fmt.Errorf("open log: %w", err)
	}
	offset, _ := logFile.Seek(0, io.SeekEnd)

	cmd := exec.Command(name, args...)
	cmd.Dir = req.EntryDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if req.Env != nil {
		cmd.Env = req.Env(res.Port)
	}
	detach(cmd)

	res.Release()
	err = cmd.Start()
	logFile.Close()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, "", &runner.CommandError{Command: name, ExitCode: -1, Err: runner.ErrToolNotFound}
		}
		return nil, "", fmt.Errorf("start server: %w", err)
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})
	go func() {
		// reap the child so it never lingers as a zombie
		cmd.Wait()
		close(exited)
	}()

	if err := supervisor.WriteMarkers(req.Paths, pid, res.Port); err != nil {
		cmd.Process.Kill()
		return nil, "", err
	}

	timer := time.NewTimer(l.config.GracePeriod)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
	case <-ctx.Done():
		cmd.Process.Kill()
		supervisor.RemoveMarkers(req.Paths)
		return nil, "", ctx.Err()
	}

	select {
	case <-exited:
	default:
		if supervisor.Alive(pid) {
			return &Handle{PID: pid, Port: res.Port, LogFile: req.Paths.LogFile}, "", nil
		}
	}

	supervisor.RemoveMarkers(req.Paths)
	return nil, l.logSince(req.Paths.LogFile, offset), ErrProcessExited
}

// logSince returns the tail of what the log gained after offset.
func (l *Launcher) logSince(path string, offset int64) string {
	text, err := supervisor.TailFile(path, 0)
	if err != nil {
		return ""
	}
	if offset > 0 && offset <= int64(len(text)) {
		text = text[offset:]
	}
	text = strings.TrimSpace(text)
	if int64(len(text)) > l.config.LogTailBytes {
		text = text[int64(len(text))-l.config.LogTailBytes:]
	}
	return text
}

func isBindConflict(logTail string) bool {
	for _, frag := range bindConflicts {
		if strings.Contains(logTail, frag) {
			return true
		}
	}
	return false
}

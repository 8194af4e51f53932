//go:build unix

package launcher

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePython stands in for the interpreter: it reports a bind conflict once
// when asked to, crashes when asked to, and otherwise idles like a server.
const fakePython = `#!/bin/sh
echo "args: $*"
if [ -f "$FAKE_DIR/conflict" ]; then
  rm "$FAKE_DIR/conflict"
  echo "Error: That port is already in use."
  exit 1
fi
if [ -n "$FAKE_CRASH" ]; then
  echo "ModuleNotFoundError: No module named 'blog'"
  exit 1
fi
echo "Starting development server at http://$3/"
exec sleep 30
`

type fixture struct {
	dir      string
	paths    deployment.Paths
	launcher *Launcher
	env      []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	python := filepath.Join(dir, "python")
	require.NoError(t, os.WriteFile(python, []byte(fakePython), 0o755))

	paths := deployment.Layout{Root: dir}.For("alice", "blog")
	require.NoError(t, os.MkdirAll(paths.WorkDir, 0o755))

	f := &fixture{
		dir:   dir,
		paths: paths,
		launcher: New(Config{
			Python:      python,
			Ports:       deployment.NewPortRange(freePort(t), 20),
			GracePeriod: 300 * time.Millisecond,
		}, nil),
		env: append(os.Environ(), "FAKE_DIR="+dir),
	}
	t.Cleanup(func() {
		supervisor.New(supervisor.Config{StopGrace: time.Second}, nil, nil).Stop(context.Background(), paths)
	})
	return f
}

func (f *fixture) request() Request {
	return Request{
		Paths:    f.paths,
		EntryDir: f.paths.WorkDir,
		Env:      func(int) []string { return f.env },
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	if port > 65000 {
		port = 40000 + port%1000
	}
	return port
}

// =============================================================================
// Reservation Tests
// =============================================================================

func TestReserve_SkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port
	l := New(Config{Ports: deployment.PortRange{Start: busyPort, End: busyPort + 10}}, nil)

	res, err := l.Reserve(nil)
	require.NoError(t, err)
	defer res.Release()

	assert.NotEqual(t, busyPort, res.Port)
	assert.True(t, res.Port > busyPort && res.Port < busyPort+10)
}

func TestReserve_HoldsPortUntilReleased(t *testing.T) {
	port := freePort(t)
	l := New(Config{Ports: deployment.PortRange{Start: port, End: port + 1}}, nil)

	res, err := l.Reserve(nil)
	require.NoError(t, err)

	_, err = l.Reserve(nil)
	assert.ErrorIs(t, err, deployment.ErrNoPorts)

	res.Release()
	res.Release()
	again, err := l.Reserve(nil)
	require.NoError(t, err)
	again.Release()
}

func TestReserve_ExcludedPortsAreSkipped(t *testing.T) {
	port := freePort(t)
	l := New(Config{Ports: deployment.PortRange{Start: port, End: port + 1}}, nil)

	_, err := l.Reserve([]int{port})
	assert.ErrorIs(t, err, deployment.ErrNoPorts)
}

// =============================================================================
// Launch Tests
// =============================================================================

func TestLaunch_Success(t *testing.T) {
	f := newFixture(t)

	h, err := f.launcher.Launch(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, 1, h.Attempts)
	assert.True(t, supervisor.Alive(h.PID))
	pid, err := supervisor.ReadPID(f.paths)
	require.NoError(t, err)
	assert.Equal(t, h.PID, pid)
	port, err := supervisor.ReadPort(f.paths)
	require.NoError(t, err)
	assert.Equal(t, h.Port, port)

	logs, err := supervisor.TailFile(f.paths.LogFile, 0)
	require.NoError(t, err)
	assert.Contains(t, logs, "manage.py runserver 127.0.0.1:")
	assert.Contains(t, logs, "--noreload")
	assert.Contains(t, logs, "Starting development server at http://127.0.0.1:")
}

func TestLaunch_UsesReservation(t *testing.T) {
	f := newFixture(t)
	res, err := f.launcher.Reserve(nil)
	require.NoError(t, err)
	req := f.request()
	req.Reservation = res

	h, err := f.launcher.Launch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, res.Port, h.Port)
}

func TestLaunch_CrashSurfacesLogTail(t *testing.T) {
	f := newFixture(t)
	f.env = append(f.env, "FAKE_CRASH=1")

	_, err := f.launcher.Launch(context.Background(), f.request())

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.Equal(t, 1, le.Attempts)
	assert.Contains(t, le.LogTail, "No module named 'blog'")
	assert.NoFileExists(t, f.paths.PIDFile)
}

func TestLaunch_RetriesAfterBindConflict(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "conflict"), nil, 0o644))

	h, err := f.launcher.Launch(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, 2, h.Attempts)
	assert.True(t, supervisor.Alive(h.PID))
	logs, err := supervisor.TailFile(f.paths.LogFile, 0)
	require.NoError(t, err)
	assert.Contains(t, logs, "already in use")
	assert.Contains(t, logs, "Starting development server")
}

func TestLaunch_MissingInterpreter(t *testing.T) {
	f := newFixture(t)
	l := New(Config{Python: filepath.Join(f.dir, "no-such-python"), Ports: f.launcher.config.Ports}, nil)

	_, err := l.Launch(context.Background(), f.request())

	assert.True(t, runner.IsToolNotFound(err))
	assert.NoFileExists(t, f.paths.PIDFile)
}

func TestIsBindConflict(t *testing.T) {
	assert.True(t, isBindConflict("Error: That port is already in use."))
	assert.True(t, isBindConflict("OSError: [Errno 98] Address already in use"))
	assert.False(t, isBindConflict("SyntaxError: invalid syntax"))
}

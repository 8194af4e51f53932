package hosting

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/artpar/djangohost/internal/core/deployment"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/docker"
	"github.com/artpar/djangohost/internal/shell/installer"
	"github.com/artpar/djangohost/internal/shell/launcher"
	"github.com/artpar/djangohost/internal/shell/manage"
	"github.com/artpar/djangohost/internal/shell/metrics"
	"github.com/artpar/djangohost/internal/shell/runner"
	"github.com/artpar/djangohost/internal/shell/store"
	"github.com/artpar/djangohost/internal/shell/supervisor"
	"github.com/artpar/djangohost/internal/shell/workspace"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

const settingsPy = `from pathlib import Path

BASE_DIR = Path(__file__).resolve().parent.parent

SECRET_KEY = 'django-insecure-test'

DEBUG = False

ALLOWED_HOSTS = []

INSTALLED_APPS = [
    'django.contrib.admin',
    'blog',
]

MIDDLEWARE = [
    'django.middleware.security.SecurityMiddleware',
    'django.middleware.common.CommonMiddleware',
]

ROOT_URLCONF = 'mysite.urls'

DATABASES = {
    'default': {
        'ENGINE': 'django.db.backends.postgresql',
        'NAME': 'app',
    }
}
`

const groupDescriptor = `services:
  web:
    image: python:3.12-slim
    ports:
      - "8010:8000"
`

// djangoProject is a minimal project nested one level deep, the way most
// archives are zipped.
func djangoProject(version string) map[string]string {
	return map[string]string{
		"mysite/manage.py":          "import sys\n",
		"mysite/mysite/__init__.py": "",
		"mysite/mysite/settings.py": settingsPy,
		"mysite/mysite/urls.py":     "urlpatterns = []\n",
		"mysite/VERSION":            version,
	}
}

func groupProject(version string) map[string]string {
	files := djangoProject(version)
	files["mysite/docker-compose.yml"] = groupDescriptor
	return files
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// =============================================================================
// Stubs
// =============================================================================

type stubInstaller struct {
	mu     sync.Mutex
	report installer.Report
	err    error
	dirs   []string
}

func (s *stubInstaller) Install(_ context.Context, workDir string, _ fs.FS) (installer.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, workDir)
	return s.report, s.err
}

type stubMigrations struct {
	mu        sync.Mutex
	report    manage.Report
	err       error
	panicWith any
	dirs      []string
	envs      [][]string
}

func (s *stubMigrations) Run(_ context.Context, entryDir string, env []string) (manage.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	s.dirs = append(s.dirs, entryDir)
	s.envs = append(s.envs, env)
	return s.report, s.err
}

// stubLauncher hands out ports in order and marks the started server as
// running in the supervisor stub.
type stubLauncher struct {
	mu        sync.Mutex
	next      int
	exhausted bool
	failures  []error
	requests  []launcher.Request
	sup       *stubSupervisor
}

func (l *stubLauncher) Host() string { return "127.0.0.1" }

func (l *stubLauncher) Reserve(exclude []int) (*launcher.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exhausted {
		return nil, fmt.Errorf("%w: [8000, 8100)", deployment.ErrNoPorts)
	}
	skip := make(map[int]bool)
	for _, p := range exclude {
		skip[p] = true
	}
	for skip[l.next] {
		l.next++
	}
	port := l.next
	l.next++
	return &launcher.Reservation{Port: port}, nil
}

func (l *stubLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return nil, err
	}
	l.sup.setRunning(req.Paths.Name, true)
	return &launcher.Handle{PID: 4242, Port: req.Reservation.Port, LogFile: req.Paths.LogFile, Attempts: 1}, nil
}

type stubSupervisor struct {
	mu       sync.Mutex
	running  map[string]bool
	stops    int
	stats    supervisor.ProcessStats
	statsErr error
}

func newStubSupervisor() *stubSupervisor {
	return &stubSupervisor{running: make(map[string]bool)}
}

func (s *stubSupervisor) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = running
}

func (s *stubSupervisor) isRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

func (s *stubSupervisor) Status(p deployment.Paths) domain.StatusSnapshot {
	running := s.isRunning(p.Name)
	snap := domain.StatusSnapshot{Running: running}
	if running {
		snap.LogTail = "Starting development server\n"
	}
	return snap
}

func (s *stubSupervisor) Stop(_ context.Context, p deployment.Paths) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.running[p.Name] = false
	return nil
}

func (s *stubSupervisor) Cleanup(ctx context.Context, p deployment.Paths) error {
	s.Stop(ctx, p)
	os.Remove(p.LogFile)
	return os.RemoveAll(p.WorkDir)
}

func (s *stubSupervisor) Metrics(_ context.Context, p deployment.Paths) (supervisor.ProcessStats, error) {
	if !s.isRunning(p.Name) {
		return supervisor.ProcessStats{}, supervisor.ErrNoMarker
	}
	return s.stats, s.statsErr
}

type groupCall struct {
	dir     string
	project string
}

type stubGroup struct {
	mu     sync.Mutex
	ups    []groupCall
	downs  []groupCall
	upErr  error
	output string
}

func (g *stubGroup) Up(_ context.Context, dir, project string) (runner.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ups = append(g.ups, groupCall{dir, project})
	return runner.Result{Output: g.output}, g.upErr
}

func (g *stubGroup) Down(_ context.Context, dir, project string) (runner.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.downs = append(g.downs, groupCall{dir, project})
	return runner.Result{}, nil
}

type stubDocker struct {
	containers []docker.ContainerInfo
	logs       string
	stats      docker.ContainerResourceStats
}

func (d *stubDocker) Ping(context.Context) error { return nil }
func (d *stubDocker) Close() error               { return nil }

func (d *stubDocker) ListGroupContainers(_ context.Context, project string) ([]docker.ContainerInfo, error) {
	var out []docker.ContainerInfo
	for _, c := range d.containers {
		if c.Labels[docker.ProjectLabel] == project {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *stubDocker) ContainerLogs(context.Context, string, int) (string, error) {
	return d.logs, nil
}

func (d *stubDocker) ContainerStats(context.Context, string) (*docker.ContainerResourceStats, error) {
	s := d.stats
	return &s, nil
}

// =============================================================================
// Harness
// =============================================================================

type fixture struct {
	orch       *Orchestrator
	store      store.Store
	root       string
	archiveDir string
	installer  *stubInstaller
	migrations *stubMigrations
	launcher   *stubLauncher
	supervisor *stubSupervisor
	group      *stubGroup
	docker     *stubDocker
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	ws, err := workspace.New(filepath.Join(dir, "hosting"))
	require.NoError(t, err)
	archives, err := workspace.NewArchiveStore(filepath.Join(dir, "archives"), 1<<20)
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sup := newStubSupervisor()
	f := &fixture{
		store:      st,
		root:       ws.Root(),
		archiveDir: filepath.Join(dir, "archives"),
		installer:  &stubInstaller{report: installer.Report{Source: "requirements.txt"}},
		migrations: &stubMigrations{},
		launcher:   &stubLauncher{next: 8000, sup: sup},
		supervisor: sup,
		group:      &stubGroup{},
		docker:     &stubDocker{},
		metrics:    metrics.New(),
	}
	f.orch, err = New(Config{AddressHost: "localhost"}, Dependencies{
		Store:      st,
		Workspace:  ws,
		Archives:   archives,
		Installer:  f.installer,
		Migrations: f.migrations,
		Launcher:   f.launcher,
		Supervisor: f.supervisor,
		Group:      f.group,
		Docker:     f.docker,
		Metrics:    f.metrics,
	}, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) request(t *testing.T, files map[string]string) DeployRequest {
	t.Helper()
	data := makeArchive(t, files)
	return DeployRequest{
		Owner:       "alice",
		ProjectName: "My Blog",
		Archive:     bytes.NewReader(data),
		Size:        int64(len(data)),
	}
}

// deploy runs a process-mode deploy that must succeed.
func (f *fixture) deploy(t *testing.T) *domain.Deployment {
	t.Helper()
	d, res, err := f.orch.Deploy(context.Background(), f.request(t, djangoProject("1")))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	return d
}

func (f *fixture) reload(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) eventMessages(t *testing.T, id string) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), id, 100)
	require.NoError(t, err)
	msgs := make([]string, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func (f *fixture) archiveFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.archiveDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func readVersion(t *testing.T, d *domain.Deployment) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(d.WorkDir, "mysite", "VERSION"))
	require.NoError(t, err)
	return string(data)
}

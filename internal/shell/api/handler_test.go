package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/hosting"
	"github.com/artpar/djangohost/internal/shell/metrics"
	"github.com/artpar/djangohost/internal/shell/store"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubEngine implements Engine for testing.
type stubEngine struct {
	deployments map[string]*domain.Deployment
	result      domain.DeployResult
	err         error // If set, all operations return this error
	rejected    bool  // Deploy creates nothing

	lastDeploy  hosting.DeployRequest
	lastArchive []byte
	lastSize    int64
	lastActive  *bool
	lastOwner   string
	lastOpts    store.ListOptions
	lastLimit   int
	deleted     []string
}

func newStubEngine() *stubEngine {
	return &stubEngine{deployments: make(map[string]*domain.Deployment)}
}

func (s *stubEngine) add(d *domain.Deployment) *domain.Deployment {
	s.deployments[d.ID] = d
	return d
}

func (s *stubEngine) get(id string) (*domain.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.NewStoreError("GetDeployment", "deployment", id, "not found", store.ErrNotFound)
	}
	return d, nil
}

func (s *stubEngine) Deploy(ctx context.Context, req hosting.DeployRequest) (*domain.Deployment, domain.DeployResult, error) {
	if s.err != nil {
		return nil, domain.DeployResult{}, s.err
	}
	s.lastDeploy = req
	s.lastArchive, _ = io.ReadAll(req.Archive)
	if s.rejected {
		return nil, s.result, nil
	}
	d := s.add(testDeployment("dep-new", req.Owner, req.ProjectName))
	d.EnvVars = req.EnvVars
	return d, s.result, nil
}

func (s *stubEngine) Update(ctx context.Context, id string, r io.Reader, size int64) (*domain.Deployment, domain.DeployResult, error) {
	d, err := s.get(id)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	s.lastArchive, _ = io.ReadAll(r)
	s.lastSize = size
	return d, s.result, nil
}

func (s *stubEngine) Restart(ctx context.Context, id string) (*domain.Deployment, domain.DeployResult, error) {
	d, err := s.get(id)
	return d, s.result, err
}

func (s *stubEngine) Toggle(ctx context.Context, id string, active bool) (*domain.Deployment, domain.DeployResult, error) {
	d, err := s.get(id)
	if err != nil {
		return nil, domain.DeployResult{}, err
	}
	if d.Mode != domain.ModeContainerGroup {
		return nil, domain.DeployResult{}, hosting.ErrModeMismatch
	}
	s.lastActive = &active
	d.Active = active
	return d, s.result, nil
}

func (s *stubEngine) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := d.Transition(domain.StatusStopped); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *stubEngine) Delete(ctx context.Context, id string) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	s.deleted = append(s.deleted, id)
	delete(s.deployments, id)
	return nil
}

func (s *stubEngine) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.get(id)
}

func (s *stubEngine) List(ctx context.Context, owner string, opts store.ListOptions) ([]domain.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.lastOwner, s.lastOpts = owner, opts
	var out []domain.Deployment
	for _, d := range s.deployments {
		if owner == "" || d.Owner == owner {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *stubEngine) Events(ctx context.Context, id string, limit int) ([]domain.DeploymentEvent, error) {
	if _, err := s.get(id); err != nil {
		return nil, err
	}
	s.lastLimit = limit
	return []domain.DeploymentEvent{domain.NewEvent(id, domain.EventSuccess, "Deployed", "")}, nil
}

func (s *stubEngine) Status(ctx context.Context, id string) (domain.StatusSnapshot, error) {
	if _, err := s.get(id); err != nil {
		return domain.StatusSnapshot{}, err
	}
	return domain.StatusSnapshot{Running: true, LogTail: "Starting development server"}, nil
}

func (s *stubEngine) Metrics(ctx context.Context, id string) (domain.MetricsSnapshot, error) {
	if _, err := s.get(id); err != nil {
		return domain.MetricsSnapshot{}, err
	}
	return domain.MetricsSnapshot{CPUPercent: 1.5, MemoryUsage: 4096, DiskUsageBytes: 8192, Status: "running"}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func testDeployment(id, owner, name string) *domain.Deployment {
	now := time.Now().UTC()
	return &domain.Deployment{
		ID:            id,
		Owner:         owner,
		ProjectName:   name,
		SafeID:        "alice_my_blog",
		Mode:          domain.ModeProcess,
		ResourceLimit: domain.ResourceLimit("512m"),
		Status:        domain.StatusDeployed,
		Active:        true,
		Port:          8000,
		Address:       "localhost:8000",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestHandler(engine *stubEngine) (*Handler, http.Handler) {
	h := NewHandler(engine, metrics.New(), nil, 1<<20, nil)
	return h, h.Routes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
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

// multipartBody builds a form with the given fields and, when archive is
// non-nil, an "archive" file part.
func multipartBody(t *testing.T, fields map[string]string, archive []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if archive != nil {
		fw, err := mw.CreateFormFile("archive", "project.zip")
		require.NoError(t, err)
		_, err = fw.Write(archive)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doRequest(router http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var projectFiles = map[string]string{
	"mysite/manage.py":          "#!/usr/bin/env python\n",
	"mysite/mysite/settings.py": "DEBUG = False\n",
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth(t *testing.T) {
	_, router := newTestHandler(newStubEngine())

	rec := doRequest(router, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		runtime    Pinger
		wantStatus int
		wantDocker string
	}{
		{"no runtime", nil, http.StatusOK, "disabled"},
		{"runtime up", stubPinger{}, http.StatusOK, "ok"},
		{"runtime down", stubPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewHandler(newStubEngine(), nil, tt.runtime, 0, nil).Routes()

			rec := doRequest(router, http.MethodGet, "/ready", nil, "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantDocker, decode[ReadyResponse](t, rec).Checks["docker"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestHandler(newStubEngine())
	doRequest(router, http.MethodGet, "/health", nil, "")

	rec := doRequest(router, http.MethodGet, "/metrics", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `djangohost_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestMetricsEndpoint_DisabledIsNotFound(t *testing.T) {
	router := NewHandler(newStubEngine(), nil, nil, 0, nil).Routes()

	rec := doRequest(router, http.MethodGet, "/metrics", nil, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Archive Validation Tests
// =============================================================================

func TestValidateArchive(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		archive     []byte
		wantValid   bool
		wantVerdict string
	}{
		{"django project", "", zipBytes(t, projectFiles), true, "ok"},
		{"missing manage.py", "", zipBytes(t, map[string]string{"a/settings.py": ""}), false, domain.CodeMissingEntryScript},
		{"not a zip", "", []byte("plain text"), false, domain.CodeMalformedArchive},
		{"static site", "?kind=static", zipBytes(t, map[string]string{"site/index.html": "<h1>hi</h1>"}), true, "ok"},
		{"static without index", "?kind=static", zipBytes(t, projectFiles), false, "missing-index-document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestHandler(newStubEngine())
			body, ct := multipartBody(t, nil, tt.archive)

			rec := doRequest(router, http.MethodPost, "/api/v1/archives/validate"+tt.query, body, ct)

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[ValidateResponse](t, rec)
			assert.Equal(t, tt.wantValid, resp.Valid)
			assert.Equal(t, tt.wantVerdict, resp.Verdict)
			if !tt.wantValid {
				assert.NotEmpty(t, resp.Message)
			}
		})
	}
}

func TestValidateArchive_TooLarge(t *testing.T) {
	h := NewHandler(newStubEngine(), nil, nil, 1024, nil)
	body, ct := multipartBody(t, nil, bytes.Repeat([]byte("x"), 4096))

	rec := doRequest(h.Routes(), http.MethodPost, "/api/v1/archives/validate", body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.CodeArchiveTooLarge, decode[ValidateResponse](t, rec).Verdict)
}

func TestValidateArchive_BodyOverLimit(t *testing.T) {
	h := NewHandler(newStubEngine(), nil, nil, 1024, nil)
	body, ct := multipartBody(t, nil, bytes.Repeat([]byte("x"), 2<<20))

	rec := doRequest(h.Routes(), http.MethodPost, "/api/v1/archives/validate", body, ct)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// =============================================================================
// Create Deployment Tests
// =============================================================================

func TestCreateDeployment(t *testing.T) {
	engine := newStubEngine()
	engine.result = domain.DeployResult{Success: true, Address: "localhost:8000", Warnings: []string{"dependency install: 1 package failed"}}
	_, router := newTestHandler(engine)
	archive := zipBytes(t, projectFiles)
	body, ct := multipartBody(t, map[string]string{
		"owner":          "alice",
		"project_name":   "My Blog",
		"resource_limit": "1g",
		"custom_domain":  "blog.example.com",
		"mode":           "process",
		"env":            "# comment\nGREETING=hello\nDEBUG_LEVEL = 2\n",
	}, archive)

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments", body, ct)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[OperationResponse](t, rec)
	require.NotNil(t, resp.Deployment)
	assert.Equal(t, "dep-new", resp.Deployment.ID)
	assert.Equal(t, []string{"DEBUG_LEVEL", "GREETING"}, resp.Deployment.EnvKeys)
	assert.True(t, resp.Result.Success)
	assert.Equal(t, "localhost:8000", resp.Result.Address)
	assert.Len(t, resp.Result.Warnings, 1)

	req := engine.lastDeploy
	assert.Equal(t, "alice", req.Owner)
	assert.Equal(t, "My Blog", req.ProjectName)
	assert.Equal(t, "1g", req.ResourceLimit)
	assert.Equal(t, "blog.example.com", req.CustomDomain)
	assert.Equal(t, "process", req.Mode)
	assert.Equal(t, int64(len(archive)), req.Size)
	assert.Equal(t, map[string]string{"GREETING": "hello", "DEBUG_LEVEL": "2"}, req.EnvVars)
	assert.Equal(t, archive, engine.lastArchive)

	// env values are never echoed
	assert.NotContains(t, rec.Body.String(), "hello")
}

func TestCreateDeployment_RejectedArchive(t *testing.T) {
	engine := newStubEngine()
	engine.rejected = true
	engine.result = domain.DeployResult{Error: "The uploaded project is not a valid Django project: manage.py was not found in the archive"}
	_, router := newTestHandler(engine)
	body, ct := multipartBody(t, map[string]string{"owner": "alice", "project_name": "blog"}, []byte("x"))

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments", body, ct)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[OperationResponse](t, rec)
	assert.Nil(t, resp.Deployment)
	assert.False(t, resp.Result.Success)
	assert.Contains(t, resp.Result.Error, "manage.py")
	assert.Empty(t, engine.deployments)
}

func TestCreateDeployment_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		archive  []byte
		raw      string
		engine   error
		wantCode string
	}{
		{name: "bad env line", fields: map[string]string{"env": "NOT A PAIR"}, archive: []byte("x"), wantCode: "validation_error"},
		{name: "lowercase env key", fields: map[string]string{"env": "key=v"}, archive: []byte("x"), wantCode: "validation_error"},
		{name: "missing archive", fields: map[string]string{"owner": "alice"}, wantCode: "validation_error"},
		{name: "not multipart", raw: `{"owner":"alice"}`, wantCode: "validation_error"},
		{name: "engine validation", archive: []byte("x"), engine: domain.ErrInvalidProjectName, wantCode: "validation_error"},
		{name: "engine mode", archive: []byte("x"), engine: fmt.Errorf("mode: %w", domain.ErrInvalidMode), wantCode: "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newStubEngine()
			engine.err = tt.engine
			_, router := newTestHandler(engine)

			var rec *httptest.ResponseRecorder
			if tt.raw != "" {
				rec = doRequest(router, http.MethodPost, "/api/v1/deployments", strings.NewReader(tt.raw), "application/json")
			} else {
				body, ct := multipartBody(t, tt.fields, tt.archive)
				rec = doRequest(router, http.MethodPost, "/api/v1/deployments", body, ct)
			}

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestCreateDeployment_NameConflict(t *testing.T) {
	errs := []error{
		fmt.Errorf("%w: blog", domain.ErrSafeIDExhausted),
		store.NewStoreError("CreateDeployment", "deployment", "dep-1", "working directory already in use", store.ErrDuplicateWorkDir),
	}
	for _, err := range errs {
		engine := newStubEngine()
		engine.err = err
		_, router := newTestHandler(engine)
		body, ct := multipartBody(t, nil, []byte("x"))

		rec := doRequest(router, http.MethodPost, "/api/v1/deployments", body, ct)

		assert.Equal(t, http.StatusConflict, rec.Code, err.Error())
		assert.Equal(t, "name_conflict", decode[ErrorResponse](t, rec).Code)
	}
}

func TestCreateDeployment_InternalError(t *testing.T) {
	engine := newStubEngine()
	engine.err = errors.New("disk full")
	_, router := newTestHandler(engine)
	body, ct := multipartBody(t, nil, []byte("x"))

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments", body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal_error", resp.Code)
	assert.NotContains(t, resp.Error, "disk full")
}

// =============================================================================
// Query Tests
// =============================================================================

func TestGetDeployment(t *testing.T) {
	engine := newStubEngine()
	d := engine.add(testDeployment("dep-1", "alice", "My Blog"))
	d.RejectedArchive = "/archives/rejected.zip"
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodGet, "/api/v1/deployments/dep-1", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DeploymentResponse](t, rec)
	assert.Equal(t, "dep-1", resp.ID)
	assert.Equal(t, "deployed", resp.Status)
	assert.Equal(t, "process", resp.Mode)
	assert.Equal(t, 8000, resp.Port)
	assert.True(t, resp.HasRejectedFile)
	assert.NotContains(t, rec.Body.String(), "/archives/")
}

func TestGetDeployment_NotFound(t *testing.T) {
	_, router := newTestHandler(newStubEngine())

	rec := doRequest(router, http.MethodGet, "/api/v1/deployments/missing", nil, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "deployment_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestListDeployments(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog one"))
	engine.add(testDeployment("dep-2", "alice", "blog two"))
	engine.add(testDeployment("dep-3", "bob", "shop"))
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodGet, "/api/v1/deployments?owner=alice&limit=5000&offset=2", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListDeploymentsResponse](t, rec)
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Deployments, 2)
	assert.Equal(t, "alice", engine.lastOwner)
	assert.Equal(t, 1000, resp.Limit)
	assert.Equal(t, 2, resp.Offset)
}

func TestListDeployments_Empty(t *testing.T) {
	_, router := newTestHandler(newStubEngine())

	rec := doRequest(router, http.MethodGet, "/api/v1/deployments", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deployments":[]`)
}

func TestDeploymentStatusMetricsEvents(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog"))
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodGet, "/api/v1/deployments/dep-1/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[domain.StatusSnapshot](t, rec)
	assert.True(t, status.Running)

	rec = doRequest(router, http.MethodGet, "/api/v1/deployments/dep-1/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[domain.MetricsSnapshot](t, rec)
	assert.Equal(t, int64(8192), snap.DiskUsageBytes)

	rec = doRequest(router, http.MethodGet, "/api/v1/deployments/dep-1/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[EventsResponse](t, rec)
	require.Len(t, events.Events, 1)
	assert.Equal(t, "Deployed", events.Events[0].Message)
	assert.Equal(t, 50, engine.lastLimit)

	doRequest(router, http.MethodGet, "/api/v1/deployments/dep-1/events?limit=5", nil, "")
	assert.Equal(t, 5, engine.lastLimit)

	rec = doRequest(router, http.MethodGet, "/api/v1/deployments/nope/status", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Operation Tests
// =============================================================================

func TestUpdateDeployment(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog"))
	engine.result = domain.DeployResult{Error: "Deployment failed on the host: boom (the previous version was restored)"}
	_, router := newTestHandler(engine)
	archive := zipBytes(t, projectFiles)
	body, ct := multipartBody(t, nil, archive)

	rec := doRequest(router, http.MethodPut, "/api/v1/deployments/dep-1/archive", body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[OperationResponse](t, rec)
	require.NotNil(t, resp.Deployment)
	assert.False(t, resp.Result.Success)
	assert.Contains(t, resp.Result.Error, "previous version was restored")
	assert.Equal(t, archive, engine.lastArchive)
	assert.Equal(t, int64(len(archive)), engine.lastSize)
}

func TestUpdateDeployment_NotFound(t *testing.T) {
	_, router := newTestHandler(newStubEngine())
	body, ct := multipartBody(t, nil, []byte("x"))

	rec := doRequest(router, http.MethodPut, "/api/v1/deployments/nope/archive", body, ct)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartDeployment(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog"))
	engine.result = domain.DeployResult{Success: true, Address: "localhost:8001"}
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments/dep-1/restart", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "localhost:8001", decode[OperationResponse](t, rec).Result.Address)
}

func TestStopDeployment(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog"))
	pending := engine.add(testDeployment("dep-2", "alice", "blog two"))
	pending.Status = domain.StatusPending
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments/dep-1/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode[DeploymentResponse](t, rec).Status)

	rec = doRequest(router, http.MethodPost, "/api/v1/deployments/dep-2/stop", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)
}

func TestToggleDeployment(t *testing.T) {
	engine := newStubEngine()
	group := engine.add(testDeployment("dep-1", "alice", "blog"))
	group.Mode = domain.ModeContainerGroup
	engine.add(testDeployment("dep-2", "alice", "blog two"))
	engine.result = domain.DeployResult{Success: true}
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments/dep-1/toggle", strings.NewReader(`{"active": false}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, engine.lastActive)
	assert.False(t, *engine.lastActive)
	assert.False(t, decode[OperationResponse](t, rec).Deployment.Active)

	rec = doRequest(router, http.MethodPost, "/api/v1/deployments/dep-2/toggle", strings.NewReader(`{"active": true}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "mode_mismatch", decode[ErrorResponse](t, rec).Code)

	rec = doRequest(router, http.MethodPost, "/api/v1/deployments/dep-1/toggle", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperation_Busy(t *testing.T) {
	engine := newStubEngine()
	engine.err = domain.NewPipelineError(domain.ClassOperational, domain.CodeBusy, "restart", "another operation is in progress", context.DeadlineExceeded)
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodPost, "/api/v1/deployments/dep-1/restart", nil, "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeBusy, decode[ErrorResponse](t, rec).Code)
}

func TestDeleteDeployment(t *testing.T) {
	engine := newStubEngine()
	engine.add(testDeployment("dep-1", "alice", "blog"))
	_, router := newTestHandler(engine)

	rec := doRequest(router, http.MethodDelete, "/api/v1/deployments/dep-1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"dep-1"}, engine.deleted)

	rec = doRequest(router, http.MethodDelete, "/api/v1/deployments/dep-1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Package api provides the HTTP control surface for djangohost.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/djangohost/internal/core/archive"
	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/shell/hosting"
	"github.com/artpar/djangohost/internal/shell/metrics"
	"github.com/artpar/djangohost/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine runs deployment operations. *hosting.Orchestrator implements it.
type Engine interface {
	Deploy(ctx context.Context, req hosting.DeployRequest) (*domain.Deployment, domain.DeployResult, error)
	Update(ctx context.Context, id string, r io.Reader, size int64) (*domain.Deployment, domain.DeployResult, error)
	Restart(ctx context.Context, id string) (*domain.Deployment, domain.DeployResult, error)
	Toggle(ctx context.Context, id string, active bool) (*domain.Deployment, domain.DeployResult, error)
	Stop(ctx context.Context, id string) (*domain.Deployment, error)
	Delete(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, owner string, opts store.ListOptions) ([]domain.Deployment, error)
	Events(ctx context.Context, id string, limit int) ([]domain.DeploymentEvent, error)
	Status(ctx context.Context, id string) (domain.StatusSnapshot, error)
	Metrics(ctx context.Context, id string) (domain.MetricsSnapshot, error)
}

// Pinger reports whether the container runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	// multipartMemory is how much of an upload is kept in memory before
	// spilling to a temporary file.
	multipartMemory = 8 << 20
	// formOverhead is allowed on top of the archive size for the other
	// multipart fields.
	formOverhead  = 1 << 20
	defaultEvents = 50
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	engine    Engine
	metrics   *metrics.Metrics
	runtime   Pinger
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler creates a new API handler. metrics and runtime may be nil.
// maxUpload bounds the archive size; non-positive uses archive.DefaultMaxSize.
func NewHandler(e Engine, m *metrics.Metrics, runtime Pinger, maxUpload int64, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = archive.DefaultMaxSize
	}
	return &Handler{
		engine:    e,
		metrics:   m,
		runtime:   runtime,
		maxUpload: maxUpload,
		logger:    l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Method(http.MethodGet, "/health", h.route("/health", h.handleHealth))
	r.Method(http.MethodGet, "/ready", h.route("/ready", h.handleReady))
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/archives/validate", h.route("/archives/validate", h.handleValidateArchive))

		r.Route("/deployments", func(r chi.Router) {
			r.Method(http.MethodPost, "/", h.route("/deployments", h.handleCreateDeployment))
			r.Method(http.MethodGet, "/", h.route("/deployments", h.handleListDeployments))
			r.Method(http.MethodGet, "/{id}", h.route("/deployments/{id}", h.handleGetDeployment))
			r.Method(http.MethodDelete, "/{id}", h.route("/deployments/{id}", h.handleDeleteDeployment))
			r.Method(http.MethodPut, "/{id}/archive", h.route("/deployments/{id}/archive", h.handleUpdateDeployment))
			r.Method(http.MethodGet, "/{id}/status", h.route("/deployments/{id}/status", h.handleDeploymentStatus))
			r.Method(http.MethodGet, "/{id}/metrics", h.route("/deployments/{id}/metrics", h.handleDeploymentMetrics))
			r.Method(http.MethodGet, "/{id}/events", h.route("/deployments/{id}/events", h.handleDeploymentEvents))
			r.Method(http.MethodPost, "/{id}/stop", h.route("/deployments/{id}/stop", h.handleStopDeployment))
			r.Method(http.MethodPost, "/{id}/restart", h.route("/deployments/{id}/restart", h.handleRestartDeployment))
			r.Method(http.MethodPost, "/{id}/toggle", h.route("/deployments/{id}/toggle", h.handleToggleDeployment))
		})
	})

	return r
}

// route wraps a handler with the JSON content type and request metrics.
func (h *Handler) route(name string, fn http.HandlerFunc) http.Handler {
	return h.metrics.Instrument(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fn(w, r)
	}))
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}

	if h.runtime == nil {
		checks["docker"] = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.runtime.Ping(ctx); err != nil {
			checks["docker"] = "failed"
			h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
			return
		}
		checks["docker"] = "ok"
	}

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Archive Handlers
// =============================================================================

// handleValidateArchive runs the upload check without deploying anything.
// ?kind=static applies the relaxed static-site check.
func (h *Handler) handleValidateArchive(w http.ResponseWriter, r *http.Request) {
	if !h.parseUpload(w, r) {
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "archive file is required", "validation_error")
		return
	}
	defer file.Close()

	verdict := archive.CheckSize(header.Size, h.maxUpload)
	if verdict.OK() {
		if r.URL.Query().Get("kind") == "static" {
			verdict = archive.ValidateStatic(file)
		} else {
			verdict = archive.Validate(file)
		}
	}

	resp := ValidateResponse{Valid: verdict.OK(), Verdict: string(verdict)}
	var pe *domain.PipelineError
	if errors.As(verdict.Err(), &pe) {
		resp.Message = pe.UserMessage()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	if !h.parseUpload(w, r) {
		return
	}
	env, err := domain.ParseEnvLines(r.FormValue("env"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "archive file is required", "validation_error")
		return
	}
	defer file.Close()

	d, result, err := h.engine.Deploy(r.Context(), hosting.DeployRequest{
		Owner:         r.FormValue("owner"),
		ProjectName:   r.FormValue("project_name"),
		Archive:       file,
		Size:          header.Size,
		ResourceLimit: r.FormValue("resource_limit"),
		CustomDomain:  r.FormValue("custom_domain"),
		EnvVars:       env,
		Mode:          r.FormValue("mode"),
	})
	if err != nil {
		h.writeEngineError(w, err, "create deployment")
		return
	}
	if d == nil {
		// rejected upload: nothing was created
		h.writeJSON(w, http.StatusUnprocessableEntity, OperationResponse{Result: result})
		return
	}
	h.writeJSON(w, http.StatusCreated, h.operationResponse(d, result))
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err, "get deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	deployments, err := h.engine.List(r.Context(), r.URL.Query().Get("owner"), opts)
	if err != nil {
		h.writeEngineError(w, err, "list deployments")
		return
	}

	resp := ListDeploymentsResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Total:       len(deployments),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range deployments {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deployments[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	if !h.parseUpload(w, r) {
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "archive file is required", "validation_error")
		return
	}
	defer file.Close()

	d, result, err := h.engine.Update(r.Context(), chi.URLParam(r, "id"), file, header.Size)
	if err != nil {
		h.writeEngineError(w, err, "update deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, h.operationResponse(d, result))
}

func (h *Handler) handleRestartDeployment(w http.ResponseWriter, r *http.Request) {
	d, result, err := h.engine.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err, "restart deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, h.operationResponse(d, result))
}

func (h *Handler) handleToggleDeployment(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		h.writeError(w, http.StatusBadRequest, "body must be {\"active\": true|false}", "validation_error")
		return
	}

	d, result, err := h.engine.Toggle(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.writeEngineError(w, err, "toggle deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, h.operationResponse(d, result))
}

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err, "stop deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, err, "delete deployment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err, "get status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleDeploymentMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err, "get metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEvents
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	events, err := h.engine.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeEngineError(w, err, "list events")
		return
	}
	if events == nil {
		events = []domain.DeploymentEvent{}
	}
	h.writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// =============================================================================
// Helpers
// =============================================================================

// parseUpload parses a multipart body bounded by the upload limit and
// writes the error response itself when that fails.
func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "the archive exceeds the maximum upload size", string(archive.VerdictTooLarge))
			return false
		}
		h.writeError(w, http.StatusBadRequest, "expected a multipart form", "validation_error")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeEngineError maps orchestrator errors to HTTP responses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error, action string) {
	var pe *domain.PipelineError
	switch {
	case isNotFound(err):
		h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
	case isValidationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
	case errors.Is(err, hosting.ErrModeMismatch):
		h.writeError(w, http.StatusConflict, err.Error(), "mode_mismatch")
	case errors.As(err, &pe) && pe.Code == domain.CodeBusy:
		h.writeError(w, http.StatusConflict, pe.Message, pe.Code)
	case errors.Is(err, domain.ErrSafeIDExhausted),
		errors.Is(err, store.ErrDuplicateSafeID),
		errors.Is(err, store.ErrDuplicateWorkDir):
		h.writeError(w, http.StatusConflict, "could not allocate a unique name for this project", "name_conflict")
	default:
		h.logger.Error("failed to "+action, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to "+action, "internal_error")
	}
}

func (h *Handler) operationResponse(d *domain.Deployment, result domain.DeployResult) OperationResponse {
	resp := OperationResponse{Result: result}
	if d != nil {
		dr := deploymentToResponse(d)
		resp.Deployment = &dr
	}
	return resp
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

var validationErrors = []error{
	domain.ErrOwnerRequired,
	domain.ErrInvalidProjectName,
	domain.ErrInvalidEnvKey,
	domain.ErrInvalidResourceLimit,
	domain.ErrInvalidMode,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

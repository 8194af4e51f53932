// Package proxy implements the app proxy: an HTTP server that forwards
// requests to a deployment's local server based on the Host header.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/artpar/djangohost/internal/core/proxy"
	"github.com/artpar/djangohost/internal/shell/store"
)

// Lookup is the part of the store the proxy reads.
type Lookup interface {
	GetDeploymentByDomain(ctx context.Context, hostname string) (*domain.Deployment, error)
	GetDeploymentBySafeID(ctx context.Context, owner, safeID string) (*domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
}

// Config holds proxy server configuration.
type Config struct {
	Address    string // listen address, e.g. "0.0.0.0:9091"
	BaseDomain string // e.g. "apps.localhost"
	// UpstreamHost is where deployment servers listen. Empty means loopback.
	UpstreamHost string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0:9091",
		BaseDomain:   "apps.localhost",
		UpstreamHost: "127.0.0.1",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

// Server routes requests to deployments.
type Server struct {
	lookup Lookup
	parser proxy.HostnameParser
	logger *slog.Logger
	config Config
}

// NewServer creates a new proxy server.
func NewServer(cfg Config, lookup Lookup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		lookup: lookup,
		parser: proxy.HostnameParser{BaseDomain: cfg.BaseDomain},
		logger: logger.With("component", "app_proxy"),
		config: cfg,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet && !s.isAppHost(r.Host) {
		s.serveHealth(w, r)
		return
	}

	hostname := proxy.StripPort(r.Host)
	s.logger.Debug("proxy request", "hostname", hostname, "path", r.URL.Path, "method", r.Method)

	target, err := s.resolve(r.Context(), hostname)
	if err != nil {
		var proxyErr proxy.ProxyError
		if errors.As(err, &proxyErr) {
			s.serveError(w, proxyErr)
			return
		}
		s.logger.Error("failed to resolve target", "hostname", hostname, "error", err)
		s.serveError(w, proxy.NewUnavailableError(hostname))
		return
	}

	if !target.CanRoute() {
		s.serveError(w, proxy.NewStoppedError(hostname))
		return
	}

	upstream := &url.URL{Scheme: "http", Host: target.Address(s.config.UpstreamHost)}
	s.forward(w, r, upstream, target)
}

// isAppHost reports whether host names a deployment rather than the proxy.
func (s *Server) isAppHost(host string) bool {
	_, ok := s.parser.Parse(host)
	return ok
}

// resolve tries the custom domain first, then the base domain pattern.
func (s *Server) resolve(ctx context.Context, hostname string) (proxy.Target, error) {
	d, err := s.lookup.GetDeploymentByDomain(ctx, hostname)
	if err == nil {
		return proxy.TargetFor(d), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return proxy.Target{}, err
	}

	route, ok := s.parser.Parse(hostname)
	if !ok {
		return proxy.Target{}, proxy.NewNotFoundError(hostname)
	}
	d, err = s.lookup.GetDeploymentBySafeID(ctx, route.Owner, route.SafeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return proxy.Target{}, proxy.NewNotFoundError(hostname)
		}
		return proxy.Target{}, err
	}
	return proxy.TargetFor(d), nil
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, upstream *url.URL, target proxy.Target) {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// Django validates the original host against ALLOWED_HOSTS
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set("X-Real-IP", realIP(pr.In))
			pr.Out.Header.Set("X-Deployment-ID", target.DeploymentID)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Error("upstream error",
				"hostname", r.Host,
				"deployment_id", target.DeploymentID,
				"error", err,
			)
			s.serveError(w, proxy.NewUnavailableError(proxy.StripPort(r.Host)))
		},
	}
	rp.ServeHTTP(w, r)
}

func (s *Server) serveError(w http.ResponseWriter, err proxy.ProxyError) {
	s.logger.Warn("proxy error", "type", err.Type, "hostname", err.Hostname, "status", err.StatusCode)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(err.StatusCode)
	data := struct{ Title, Message string }{http.StatusText(err.StatusCode), err.Message}
	if execErr := errorPage.Execute(w, data); execErr != nil {
		s.logger.Error("failed to render error page", "error", execErr)
	}
}

func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the JSON body of the proxy health endpoint.
type HealthResponse struct {
	Status              string `json:"status"`
	DeploymentsRoutable int    `json:"deployments_routable"`
	BaseDomain          string `json:"base_domain"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	count := 0
	deployed, err := s.lookup.ListDeploymentsByStatus(r.Context(), domain.StatusDeployed)
	if err != nil {
		s.logger.Error("failed to list deployed deployments", "error", err)
	}
	for i := range deployed {
		if proxy.TargetFor(&deployed[i]).CanRoute() {
			count++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:              "ok",
		DeploymentsRoutable: count,
		BaseDomain:          s.config.BaseDomain,
	})
}

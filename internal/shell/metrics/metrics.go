// Package metrics exposes pipeline, lifecycle and HTTP counters in the
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "djangohost"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var pipelineBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// Metrics owns a private registry so several instances can coexist.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	pipelineFailures *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	livenessLost     prometheus.Counter
	deployments      *prometheus.GaugeVec

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by operation, mode and outcome",
		}, []string{"operation", "mode", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Wall time of pipeline runs",
			Buckets:   pipelineBuckets,
		}, []string{"operation", "mode"}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Pipeline failures by class and code",
		}, []string{"class", "code"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "rollbacks_total",
			Help:      "Update rollbacks by whether the restored deployment came back up",
		}, []string{"restored"}),
		livenessLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "lost_total",
			Help:      "Deployments found dead while recorded as deployed",
		}),
		deployments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployments",
			Help:      "Deployments by status, refreshed on each liveness sweep",
		}, []string{"status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pipelineRuns, m.pipelineDuration, m.pipelineFailures, m.rollbacks,
		m.livenessLost, m.deployments, m.requestTotal, m.requestDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// Recording
// =============================================================================

// PipelineFinished records one deploy, update or restart run.
func (m *Metrics) PipelineFinished(operation, mode string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.pipelineRuns.WithLabelValues(operation, mode, outcome).Inc()
	m.pipelineDuration.WithLabelValues(operation, mode).Observe(d.Seconds())
}

// PipelineFailed records the class and code of a failure.
func (m *Metrics) PipelineFailed(class, code string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(class, code).Inc()
}

// RolledBack records an update rollback.
func (m *Metrics) RolledBack(restored bool) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(strconv.FormatBool(restored)).Inc()
}

// LivenessLost records a deployment found dead.
func (m *Metrics) LivenessLost() {
	if m == nil {
		return
	}
	m.livenessLost.Inc()
}

// SetDeploymentCounts replaces the per-status gauge values.
func (m *Metrics) SetDeploymentCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.deployments.Reset()
	for status, n := range counts {
		m.deployments.WithLabelValues(status).Set(float64(n))
	}
}

// =============================================================================
// HTTP Instrumentation
// =============================================================================

// Instrument wraps next and records its status and latency under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

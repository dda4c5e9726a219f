// Package metrics holds sandboxd's Prometheus collectors. Everything is
// registered on a private registry; there is no global state.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vercel-eddie/sandboxd/pkg/deploy"
)

const namespace = "sandboxd"

type Metrics struct {
	Registry *prometheus.Registry

	SandboxOps        *prometheus.CounterVec
	SandboxOpDuration *prometheus.HistogramVec

	Deployments        *prometheus.CounterVec
	DeploymentDuration prometheus.Histogram

	CleanupEvicted prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ deploy.Recorder = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SandboxOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Sandbox operations by kind and outcome.",
		}, []string{"op", "result"}),

		SandboxOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox operation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"op"}),

		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Finished deployments by result.",
		}, []string{"result"}),

		DeploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "duration_seconds",
			Help:      "Time from collecting files to a reachable deployment.",
			Buckets:   []float64{1, 5, 10, 30, 60, 90, 120},
		}),

		CleanupEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "evicted_total",
			Help:      "Sandboxes terminated for being idle.",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}

	reg.MustRegister(
		m.SandboxOps,
		m.SandboxOpDuration,
		m.Deployments,
		m.DeploymentDuration,
		m.CleanupEvicted,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

// TrackSandboxes exposes the manager's registry size as a gauge.
func (m *Metrics) TrackSandboxes(size func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "registered",
		Help:      "Sandboxes currently held by the manager.",
	}, func() float64 { return float64(size()) }))
}

// ObserveSandboxOp records one provider operation.
func (m *Metrics) ObserveSandboxOp(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SandboxOps.WithLabelValues(op, result).Inc()
	m.SandboxOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) DeploymentFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(result).Inc()
	m.DeploymentDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CleanupEvicted.Add(float64(n))
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Instrument counts and times requests to a fixed route label.
func (m *Metrics) Instrument(path string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

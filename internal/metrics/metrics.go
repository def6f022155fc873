// Package metrics exports query metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "framesearch"

// DefaultLatencyBuckets cover a fast cached query up to the default query timeout.
var DefaultLatencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Recorder holds the query collectors on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	queryLatency  *prometheus.HistogramVec
	queryRequests *prometheus.CounterVec
	candidates    *prometheus.CounterVec
	results       *prometheus.CounterVec
	joinMisses    *prometheus.CounterVec
	exportErrors  prometheus.Counter
}

// QueryObservation is what one finished query reports.
type QueryObservation struct {
	Mode       string
	Status     string
	Latency    time.Duration
	Candidates int
	Results    int
	JoinMisses int
}

// New creates a Recorder with its own registry, including Go runtime collectors.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.queryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "latency_seconds",
			Help:      "Keyframe query latency in seconds",
			Buckets:   DefaultLatencyBuckets,
		},
		[]string{"mode"},
	)
	r.queryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of keyframe queries",
		},
		[]string{"mode", "status"},
	)
	r.candidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "candidates_total",
			Help:      "Candidates returned by the vector index",
		},
		[]string{"mode"},
	)
	r.results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "results_total",
			Help:      "Ranked results returned to callers",
		},
		[]string{"mode"},
	)
	r.joinMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "join_misses_total",
			Help:      "Candidates dropped because no metadata record exists",
		},
		[]string{"mode"},
	)
	r.exportErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "errors_total",
			Help:      "CSV exports that failed",
		},
	)

	r.registry.MustRegister(
		r.queryLatency,
		r.queryRequests,
		r.candidates,
		r.results,
		r.joinMisses,
		r.exportErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveQuery records one finished query.
func (r *Recorder) ObserveQuery(o QueryObservation) {
	r.queryLatency.WithLabelValues(o.Mode).Observe(o.Latency.Seconds())
	r.queryRequests.WithLabelValues(o.Mode, o.Status).Inc()
	if o.Candidates > 0 {
		r.candidates.WithLabelValues(o.Mode).Add(float64(o.Candidates))
	}
	if o.Results > 0 {
		r.results.WithLabelValues(o.Mode).Add(float64(o.Results))
	}
	if o.JoinMisses > 0 {
		r.joinMisses.WithLabelValues(o.Mode).Add(float64(o.JoinMisses))
	}
}

// ExportFailed counts a failed CSV export.
func (r *Recorder) ExportFailed() {
	r.exportErrors.Inc()
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

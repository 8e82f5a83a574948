package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calsync"

// Recorder publishes Prometheus metrics for store and HTTP activity. It
// satisfies store.Metrics.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	coalesced    *prometheus.CounterVec
	freshness    *prometheus.CounterVec
	syncFailures *prometheus.CounterVec
	writes       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "fetch_total",
		Help:      "Remote fetches executed by each store.",
	}, []string{"store", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for remote fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	}, []string{"store", "outcome"})

	coalesced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "coalesced_total",
		Help:      "Fetch requests that joined an in-flight fetch for the same key.",
	}, []string{"store"})

	freshness := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "freshness_decisions_total",
		Help:      "Freshness validator decisions per store.",
	}, []string{"store", "decision"})

	syncFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "sync_failures_total",
		Help:      "Write-backs that failed and were recorded for retry.",
	}, []string{"store"})

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Local writes and their sync outcome.",
	}, []string{"store", "outcome"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests served.",
	}, []string{"route", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	reg.MustRegister(fetches, fetchLatency, coalesced, freshness, syncFailures, writes, httpRequests, httpLatency)

	return &Recorder{
		gatherer:     reg,
		handler:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetches:      fetches,
		fetchLatency: fetchLatency,
		coalesced:    coalesced,
		freshness:    freshness,
		syncFailures: syncFailures,
		writes:       writes,
		httpRequests: httpRequests,
		httpLatency:  httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one remote fetch and its latency.
func (r *Recorder) ObserveFetch(store, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	storeLabel := normalizeLabel(store)
	outcomeLabel := normalizeLabel(outcome)
	r.fetches.WithLabelValues(storeLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(storeLabel, outcomeLabel).Observe(elapsed.Seconds())
}

func (r *Recorder) IncCoalesced(store string) {
	if r == nil {
		return
	}
	r.coalesced.WithLabelValues(normalizeLabel(store)).Inc()
}

func (r *Recorder) IncFreshness(store, decision string) {
	if r == nil {
		return
	}
	r.freshness.WithLabelValues(normalizeLabel(store), normalizeLabel(decision)).Inc()
}

func (r *Recorder) IncSyncFailure(store string) {
	if r == nil {
		return
	}
	r.syncFailures.WithLabelValues(normalizeLabel(store)).Inc()
}

func (r *Recorder) IncWrite(store, outcome string) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(normalizeLabel(store), normalizeLabel(outcome)).Inc()
}

// ObserveHTTP records a completed API request. route is the mux pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Recorder) ObserveHTTP(route, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	methodLabel := normalizeLabel(method)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, methodLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, methodLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videoflix"

// Job outcome labels.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobNotFound  = "not_found"
)

// Recorder owns a Prometheus registry with the HTTP, job and cleanup
// collectors used by both binaries.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	dispatched      *prometheus.CounterVec
	cleanupFiles    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

var defaultRecorder = New()

// New builds a Recorder backed by a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Pipeline jobs finished, by kind and outcome.",
		}, []string{"kind", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent executing pipeline jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently executing on this process.",
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs enqueued by the dispatcher, by kind.",
		}, []string{"kind"}),
		cleanupFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_files_total",
			Help:      "Files visited during asset cleanup, by outcome.",
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs recorded in the queue and not yet acknowledged.",
		}),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request. path should be a route pattern;
// raw paths are normalised so identifiers do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// JobStarted increments the active job gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Inc()
}

// JobFinished decrements the active gauge and records the outcome.
func (r *Recorder) JobFinished(kind, status string, duration time.Duration) {
	r.activeJobs.Dec()
	kind = normalizeName(kind)
	r.jobs.WithLabelValues(kind, normalizeName(status)).Inc()
	r.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDispatch counts jobs handed to the queue.
func (r *Recorder) ObserveDispatch(kind string, count int) {
	if count <= 0 {
		return
	}
	r.dispatched.WithLabelValues(normalizeName(kind)).Add(float64(count))
}

// ObserveCleanup counts the per-file outcomes of one cleanup run.
func (r *Recorder) ObserveCleanup(removed, missing, failed int) {
	r.cleanupFiles.WithLabelValues("removed").Add(float64(removed))
	r.cleanupFiles.WithLabelValues("missing").Add(float64(missing))
	r.cleanupFiles.WithLabelValues("failed").Add(float64(failed))
}

// SetQueueDepth reports how many jobs await acknowledgement.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// Dispatched returns the dispatch counter for kind.
func (r *Recorder) Dispatched(kind string) prometheus.Counter {
	return r.dispatched.WithLabelValues(normalizeName(kind))
}

// Jobs returns the finished-job counter for kind and status.
func (r *Recorder) Jobs(kind, status string) prometheus.Counter {
	return r.jobs.WithLabelValues(normalizeName(kind), normalizeName(status))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.Contains(path, "{") {
		return path
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

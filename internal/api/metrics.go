package api

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

type metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttled   *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
	jobsCreated *prometheus.CounterVec
	views       prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	httpLabels := []string{"method", "route", "status"}

	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewflow", Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests served by the API.",
		}, httpLabels),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "viewflow", Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, httpLabels),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewflow", Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "Requests refused by the token bucket.",
		}, []string{"route"}),
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewflow", Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Render tasks handed to asynq.",
		}, []string{"queue"}),
		jobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewflow", Subsystem: "api", Name: "jobs_created_total",
			Help: "Jobs created, by source type.",
		}, []string{"source_type"}),
		views: f.NewCounter(prometheus.CounterOpts{
			Namespace: "viewflow", Subsystem: "api", Name: "views_requested_total",
			Help: "View steps requested across created jobs.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) jobCreated(sourceType string, views int) {
	m.jobsCreated.WithLabelValues(sourceType).Inc()
	m.views.Add(float64(views))
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r.URL.Path),
			"status": strconv.Itoa(rec.code()),
		}
		m.requests.With(labels).Inc()
		m.latency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses job IDs so label cardinality stays bounded.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/jobs/")
	switch {
	case ok && strings.HasSuffix(rest, "/start"):
		return "/v1/jobs/{id}/start"
	case ok && rest != "":
		return "/v1/jobs/{id}"
	case path == "/v1/jobs" || path == "/v1/jobs/":
		return "/v1/jobs"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

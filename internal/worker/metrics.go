package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "viewflow"

type metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	jobSeconds    *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	views         prometheus.Counter
	pixels        prometheus.Counter
	tensorBytes   prometheus.Counter
	computeMS     prometheus.Counter
	publishFailed prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "jobs_total",
			Help: "Render jobs handled, by source type and outcome.",
		}, []string{"source_type", "status"}),
		jobSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Wall time spent on each render job.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source_type", "status"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "active_jobs",
			Help: "Jobs currently holding a render slot.",
		}),
		views: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "views_rendered_total",
			Help: "View tensors written by the worker.",
		}),
		pixels: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "usage", Name: "pixels_rendered_total",
			Help: "Output pixels across successful jobs.",
		}),
		tensorBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "usage", Name: "tensor_bytes_total",
			Help: "Encoded tensor bytes across successful jobs.",
		}),
		computeMS: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "usage", Name: "compute_time_ms_total",
			Help: "Milliseconds of compute across successful jobs.",
		}),
		publishFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "event_publish_failures_total",
			Help: "Job events Kafka did not accept.",
		}),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) jobDone(sourceType, status string, elapsed time.Duration) {
	m.jobs.WithLabelValues(sourceType, status).Inc()
	m.jobSeconds.WithLabelValues(sourceType, status).Observe(elapsed.Seconds())
}

// acquire marks a job as holding a slot and returns the release func.
func (m *metrics) acquire() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *metrics) usage(views int, pixels, tensorBytes, computeMS int64) {
	m.views.Add(float64(views))
	m.pixels.Add(float64(pixels))
	m.tensorBytes.Add(float64(tensorBytes))
	m.computeMS.Add(float64(computeMS))
}

package worker

import (
	"net/http"

	"github.com/dunamismax/snappy/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	webhookFailures      *prometheus.CounterVec
	outputBytesTotal     prometheus.Counter
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snappy_worker_jobs_total",
			Help: "Render jobs handled by the worker, by final attempt status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snappy_worker_job_duration_seconds",
			Help:    "Wall time of each render job attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snappy_worker_active_jobs",
			Help: "Render jobs currently holding a worker slot.",
		}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snappy_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}, []string{"event"}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snappy_usage_output_bytes_total",
			Help: "Bytes written for rendered variants.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snappy_usage_pixels_processed_total",
			Help: "Output pixels produced across successful jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snappy_usage_bytes_saved_total",
			Help: "Source bytes saved across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snappy_usage_compute_time_ms_total",
			Help: "Render compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.webhookFailures,
		m.outputBytesTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) recordUsage(u *domain.RenderUsage) {
	if u == nil {
		return
	}
	m.outputBytesTotal.Add(float64(u.OutputBytes))
	m.pixelsProcessedTotal.Add(float64(u.PixelsProcessed))
	m.bytesSavedTotal.Add(float64(u.BytesSaved))
	m.computeTimeMSTotal.Add(float64(u.ComputeTimeMS))
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

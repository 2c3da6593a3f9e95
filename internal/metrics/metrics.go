// Package metrics exposes Prometheus metrics for volumes, jobs and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neptis"

var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds every collector, registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	jobsStartedTotal  *prometheus.CounterVec
	jobsFinishedTotal *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobsRunning       prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"operation"},
		),

		jobsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of launched jobs by type",
			},
			[]string{"type"},
		),

		jobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of finished jobs by type and terminal status",
			},
			[]string{"type", "status"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of backup and restore jobs in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"type"},
		),

		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Number of jobs currently running",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.jobsStartedTotal,
		m.jobsFinishedTotal,
		m.jobDuration,
		m.jobsRunning,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// Handler serves the registry for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordVolumeOp records a provision, resize or delete with timing
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.volumeOpsTotal.WithLabelValues(operation, status).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// JobStarted counts a launched job
func (m *Metrics) JobStarted(jobType domain.JobType) {
	m.jobsStartedTotal.WithLabelValues(jobType.String()).Inc()
	m.jobsRunning.Inc()
}

// JobFinished counts a terminal write
func (m *Metrics) JobFinished(jobType domain.JobType, status domain.JobStatus, duration time.Duration) {
	m.jobsFinishedTotal.WithLabelValues(jobType.String(), status.String()).Inc()
	m.jobDuration.WithLabelValues(jobType.String()).Observe(duration.Seconds())
	m.jobsRunning.Dec()
}

// RecordRequest records one served HTTP request
func (m *Metrics) RecordRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

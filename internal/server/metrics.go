package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes job metrics in Prometheus format.
type Metrics struct {
	handler http.Handler
}

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxopt_jobs_started_total",
		Help: "Total number of optimization jobs accepted",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxopt_jobs_finished_total",
		Help: "Total number of optimization jobs finished, by final status",
	}, []string{"status"})
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxopt_jobs_running",
		Help: "Number of optimization jobs currently holding a worker slot",
	})
	jobEvaluations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxopt_job_evaluations",
		Help:    "Objective and gradient evaluations used per job",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15),
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxopt_job_duration_seconds",
		Help:    "Wall time of finished optimization jobs",
		Buckets: prometheus.DefBuckets,
	})
)

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		handler: promhttp.Handler(),
	}
}

// JobStarted records an accepted job.
func (m *Metrics) JobStarted() {
	jobsStarted.Inc()
}

// JobRunning records a job acquiring a worker slot.
func (m *Metrics) JobRunning() {
	jobsRunning.Inc()
}

// JobFinished records the outcome of a job that held a worker slot.
func (m *Metrics) JobFinished(status JobState, evaluations int, elapsed time.Duration) {
	jobsRunning.Dec()
	jobsFinished.WithLabelValues(string(status)).Inc()
	jobEvaluations.Observe(float64(evaluations))
	jobDuration.Observe(elapsed.Seconds())
}

// JobDropped records a job cancelled before it acquired a worker slot.
func (m *Metrics) JobDropped() {
	jobsFinished.WithLabelValues(string(StateCancelled)).Inc()
}

// ServeHTTP writes metrics in Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

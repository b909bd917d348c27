package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	BlockFailures *prometheus.CounterVec
}

var globalMetrics *Metrics

// QueueStats exposes live scheduler counts for gauge collectors.
type QueueStats interface {
	QueueDepth() int
	RunningCount() int
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics(stats QueueStats) *Metrics {
	metrics := &Metrics{
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redactiq_jobs_submitted_total",
			Help: "Total number of workflow jobs submitted",
		}),

		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redactiq_jobs_finished_total",
			Help: "Total number of finished jobs by outcome",
		}, []string{"outcome"}), // "completed" or "failed"

		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "redactiq_job_duration_seconds",
			Help:    "Job run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}, // multi-block jobs can take minutes
		}),

		BlockFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redactiq_block_failures_total",
			Help: "Total number of block failures by error tag",
		}, []string{"error_tag"}),
	}

	// Live scheduler gauges read straight from the scheduler.
	if stats != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "redactiq_jobs_queued",
				Help: "Number of jobs waiting for a worker",
			},
			func() float64 { return float64(stats.QueueDepth()) },
		))
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "redactiq_jobs_running",
				Help: "Number of jobs currently executing",
			},
			func() float64 { return float64(stats.RunningCount()) },
		))
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordJobSubmitted records a job submission
func (m *Metrics) RecordJobSubmitted() {
	m.JobsSubmitted.Inc()
}

// RecordJobFinished records a terminal job by outcome
func (m *Metrics) RecordJobFinished(outcome string, seconds float64) {
	m.JobsFinished.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(seconds)
}

// RecordBlockFailure records a block failure by error tag
func (m *Metrics) RecordBlockFailure(errorTag string) {
	if errorTag == "" {
		errorTag = "unknown"
	}
	m.BlockFailures.WithLabelValues(errorTag).Inc()
}

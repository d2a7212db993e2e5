package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit checks by operation and outcome (allowed|denied)",
		},
		[]string{"operation", "outcome"},
	)

	ActiveBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_active_buckets",
			Help: "Number of live token buckets across all tenants",
		},
	)

	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs admitted to the queue by type and priority",
		},
		[]string{"type", "priority"},
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job status transitions by resulting status",
		},
		[]string{"status"},
	)

	PendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_pending",
			Help: "Jobs currently waiting for a worker",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from enqueue to terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	JobsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_pruned_total",
			Help: "Terminal jobs removed by pruning",
		},
	)
)

// ObserveJobCompletion records end-to-end job duration from created_at to now.
func ObserveJobCompletion(jobType string, createdAt time.Time) {
	JobDuration.WithLabelValues(jobType).Observe(time.Since(createdAt).Seconds())
}

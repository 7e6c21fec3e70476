// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route pattern, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobSubmissionsTotal counts Submit calls; result is "accepted" or the rejection reason.
	JobSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_submissions_total",
			Help: "Total number of job submissions.",
		},
		[]string{"job_name", "result"},
	)

	// JobOutcomesTotal counts terminal outcomes observed by the dispatcher.
	JobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_outcomes_total",
			Help: "Total number of terminal job outcomes.",
		},
		[]string{"job_name", "status"},
	)

	// JobExecutionTotal counts job executions inside an execution facility.
	JobExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total number of job executions.",
		},
		[]string{"job_name", "status"},
	)

	// JobExecutionSeconds observes how long job bodies run.
	JobExecutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_execution_seconds",
			Help:    "Duration of job executions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_name"},
	)

	// HandlesTracked is the number of handles the dispatcher currently holds.
	HandlesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_handles_tracked",
			Help: "Number of submission handles awaiting a reader or expiry.",
		},
	)

	// WorkersAvailable is the number of remote workers known to discovery.
	WorkersAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_available",
			Help: "Number of remote workers currently registered in etcd.",
		},
	)
)

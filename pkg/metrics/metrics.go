// Package metrics registers the Prometheus instruments shared by the API
// server and the worker pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portalmark"

var (
	// HTTPRequests counts API requests by method, route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// JobsProcessed counts worker jobs by kind and outcome
	// (ok, retried, dead, dropped).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed by the worker pool, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobDuration observes job execution time by kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Job execution time in seconds, by kind.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// QueueDepth tracks the length of each job queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Current length of each job queue.",
	}, []string{"queue"})

	// MarkersCompiled counts marker compiler runs by result
	// (ready, failed, retried).
	MarkersCompiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "marker",
		Name:      "compiles_total",
		Help:      "Marker compiler invocations, by result.",
	}, []string{"result"})

	// RotationsApplied counts video rotations applied by the scheduler sweep.
	RotationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "rotations_applied_total",
		Help:      "Video rotations applied by the rotation sweep.",
	})

	// ProjectsExpired counts projects flipped to expired by the sweep.
	ProjectsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "projects_expired_total",
		Help:      "Projects deactivated by the expiry sweep.",
	})

	// NotificationsCreated counts notifications written, by kind.
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifications",
		Name:      "created_total",
		Help:      "Notifications created, by kind.",
	}, []string{"kind"})

	// StorageOps counts storage provider calls by provider, op and result.
	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Storage provider operations, by provider, op and result.",
	}, []string{"provider", "op", "result"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

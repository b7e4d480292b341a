// Package metrics registers the service's own Prometheus collectors.
// They are served on /metrics next to the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture cycle outcomes
const (
	OutcomeCompleted   = "completed"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

var (
	// CaptureCycles counts capture cycles by outcome
	CaptureCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_capture_cycles_total",
			Help: "Capture cycles run, by outcome.",
		},
		[]string{"outcome"},
	)

	// CaptureDuration observes wall-clock time of non rate-limited cycles
	CaptureDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuwatch_capture_duration_seconds",
			Help:    "Duration of capture cycles that reached the metrics backend.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// CaptureRows counts aggregate rows touched, by action (inserted, updated, skipped, completed)
	CaptureRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_capture_rows_total",
			Help: "Aggregate rows touched by capture cycles, by action.",
		},
		[]string{"action"},
	)

	// CaptureErrors counts non-fatal errors collected during capture, by stage
	CaptureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_capture_errors_total",
			Help: "Non-fatal errors collected during capture cycles, by stage.",
		},
		[]string{"stage"},
	)

	// BackendQueries counts metrics backend queries by purpose and result (ok, error)
	BackendQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_backend_queries_total",
			Help: "Queries issued to the metrics backend, by purpose and result.",
		},
		[]string{"purpose", "result"},
	)

	// ReadSource counts read path answers by kind (job, overview) and source
	ReadSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_read_source_total",
			Help: "Read path answers, by query kind and statistics source.",
		},
		[]string{"kind", "source"},
	)

	// LivenessFailures counts workload manager or freshness lookups that degraded to their fallback
	LivenessFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuwatch_liveness_failures_total",
			Help: "Liveness lookups that failed and fell back to their error policy, by check.",
		},
		[]string{"check"},
	)
)

// ResultLabel maps an error to the result label value
func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

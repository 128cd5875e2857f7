package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions, renamed from the teacher's agent/build domain
// onto the job dispatcher, sandbox provider, and event stream this
// server actually runs.
var (
	JobsClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_jobs_claimed_total",
		Help: "Total jobs claimed by a dispatcher worker, by kind.",
	}, []string{"kind"})
	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_jobs_completed_total",
		Help: "Total jobs reaching a terminal status, by kind and status.",
	}, []string{"kind", "status"})
	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workbench_job_duration_seconds",
		Help:    "Wall-clock time from claim to terminal status, by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_job_retries_total",
		Help: "Total job retries scheduled after a transient failure, by kind.",
	}, []string{"kind"})

	SandboxOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_sandbox_ops_total",
		Help: "Total sandbox provider operations, by op and outcome.",
	}, []string{"op", "outcome"})
	SandboxesReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_sandboxes_reconciled_total",
		Help: "Total sandboxes acted on by a reconcile sweep, by action.",
	}, []string{"action"})

	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workbench_sessions_by_status",
		Help: "Current number of sessions in each status.",
	}, []string{"status"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_events_published_total",
		Help: "Total events published to the broker, by kind.",
	}, []string{"kind"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_errors_total",
		Help: "Total internal errors by classified kind.",
	}, []string{"kind"})
)

// TrackJobClaimed records a dispatcher worker claiming a job of kind.
func TrackJobClaimed(kind string) {
	JobsClaimedTotal.WithLabelValues(kind).Inc()
}

// TrackJobCompleted records a job reaching status after durationSeconds
// since it was claimed.
func TrackJobCompleted(kind, status string, durationSeconds float64) {
	JobsCompletedTotal.WithLabelValues(kind, status).Inc()
	JobDurationSeconds.WithLabelValues(kind).Observe(durationSeconds)
}

// TrackJobRetry records a retry scheduled for a job of kind.
func TrackJobRetry(kind string) {
	JobRetriesTotal.WithLabelValues(kind).Inc()
}

// TrackSandboxOp records a sandbox provider call and its outcome
// ("ok" or "error").
func TrackSandboxOp(op, outcome string) {
	SandboxOpsTotal.WithLabelValues(op, outcome).Inc()
}

// TrackSandboxReconciled records a reconcile sweep acting on a sandbox
// ("removed_orphan", "removed_stale_image", "recreated", ...).
func TrackSandboxReconciled(action string) {
	SandboxesReconciledTotal.WithLabelValues(action).Inc()
}

// SetSessionsByStatus sets the current gauge for a session status.
func SetSessionsByStatus(status string, count int) {
	SessionsByStatus.WithLabelValues(status).Set(float64(count))
}

// TrackEventPublished records an event of kind published to the broker.
func TrackEventPublished(kind string) {
	EventsPublishedTotal.WithLabelValues(kind).Inc()
}

// TrackError records an internal error by its classified kind
// (NotFound, Conflict, Transient, Fatal, ...).
func TrackError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

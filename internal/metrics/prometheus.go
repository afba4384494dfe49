package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished jobs by language and outcome
	// (completed or the failure kind).
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_executions_total",
			Help: "Total number of code executions",
		},
		[]string{"language", "outcome"},
	)

	// ExecutionDuration tracks the duration of backend runs in seconds.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runq_execution_duration_seconds",
			Help:    "Duration of code executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"language"},
	)

	// WorkersActive tracks workers currently holding a job.
	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runq_workers_active",
			Help: "Number of workers currently executing a job",
		},
		[]string{"language"},
	)

	// SandboxFailures counts sandbox infrastructure failures (not user code errors).
	SandboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_sandbox_failures_total",
			Help: "Total number of sandbox infrastructure failures",
		},
		[]string{"language", "stage"},
	)

	// AdmissionsTotal counts submissions by admission decision.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_admissions_total",
			Help: "Submissions by admission decision",
		},
		[]string{"language", "decision"},
	)

	// ReapedJobs counts jobs handled by the reaper by action.
	ReapedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_reaped_jobs_total",
			Help: "Jobs removed, abandoned or purged by the reaper",
		},
		[]string{"action"},
	)

	// QueueDepth is sampled by the reaper on every pass.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runq_queue_depth",
			Help: "Job ids waiting in each language partition",
		},
		[]string{"language"},
	)
)

// Admission decisions.
const (
	DecisionAccepted  = "accepted"
	DecisionThrottled = "throttled"
	DecisionInvalid   = "invalid"
	DecisionError     = "error"
)

package domain

import (
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRemoved   State = "removed"
)

var transitions = map[State][]State{
	StateQueued:    {StateActive},
	StateActive:    {StateCompleted, StateFailed},
	StateCompleted: {StateRemoved},
	StateFailed:    {StateRemoved},
}

// IsTerminal returns true for Completed and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether to directly follows s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureKind is the coarse category of a failed job.
type FailureKind string

const (
	FailureRuntimeError        FailureKind = "runtime_error"
	FailureTimeLimitExceeded   FailureKind = "time_limit_exceeded"
	FailureMemoryLimitExceeded FailureKind = "memory_limit_exceeded"
	FailureMalformedResult     FailureKind = "malformed_result"
	FailureInvocation          FailureKind = "invocation_error"
	FailureAbandoned           FailureKind = "abandoned"
)

// IsInfrastructure separates sandbox faults from faults in user code.
func (k FailureKind) IsInfrastructure() bool {
	return k == FailureInvocation || k == FailureAbandoned || k == FailureMalformedResult
}

// Result is the output of a completed job.
type Result struct {
	Output          string `json:"output"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Failure describes why a job failed. Message is safe to show to clients.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Job represents a code execution job throughout its lifecycle.
type Job struct {
	ID          uuid.UUID  `json:"job_id"`
	Language    Language   `json:"language"`
	Client      string     `json:"-"`
	SourceCode  string     `json:"-"`
	Stdin       string     `json:"-"`
	State       State      `json:"state"`
	Result      *Result    `json:"result,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
	ClaimedBy   string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SubmitRequest is a submission as seen by the admission controller.
type SubmitRequest struct {
	Client     string
	Language   Language
	SourceCode string
	Stdin      string
}

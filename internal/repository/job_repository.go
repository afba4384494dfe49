package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Harsh-BH/runq/internal/domain"
)

// JobRepository defines the interface for job persistence operations.
// Implementations must be safe for concurrent use, and every state change
// must be a compare-and-set against the state the caller expects.
type JobRepository interface {
	// Create inserts a new job in the queued state.
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by its UUID. A removed job is returned as a
	// tombstone without source, stdin or result.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Activate moves a queued job to active and records the claiming worker.
	// It returns a *domain.TransitionError when the job is not queued.
	Activate(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (*domain.Job, error)

	// Finish moves an active job to completed or failed and clears the claim.
	// It returns a *domain.TransitionError when the job is not active.
	Finish(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time) (*domain.Job, error)

	// Remove turns a terminal job into a tombstone. Removing a tombstone is a
	// no-op; removing a queued or active job returns a *domain.TransitionError.
	Remove(ctx context.Context, id uuid.UUID, at time.Time) error

	// Delete erases every trace of the job. Used to roll back an admission
	// that could not be enqueued.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListFinishedBefore returns terminal jobs that finished before t.
	ListFinishedBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error)

	// ListActiveBefore returns active jobs that were activated before t.
	ListActiveBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error)

	// PurgeRemoved deletes tombstones removed before t and reports how many went.
	PurgeRemoved(ctx context.Context, t time.Time) (int64, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// Outcome is the terminal write for Finish: exactly one of Result and
// Failure is set, matching State.
type Outcome struct {
	State   domain.State
	Result  *domain.Result
	Failure *domain.Failure
}

// Completed builds the Outcome for a successful run.
func Completed(r domain.Result) Outcome {
	return Outcome{State: domain.StateCompleted, Result: &r}
}

// Failed builds the Outcome for a failed run.
func Failed(f domain.Failure) Outcome {
	return Outcome{State: domain.StateFailed, Failure: &f}
}

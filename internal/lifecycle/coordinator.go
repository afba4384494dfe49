// Package lifecycle owns the state machine of every job:
// queued → active → {completed, failed} → removed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/metrics"
	"github.com/Harsh-BH/runq/internal/queue"
	"github.com/Harsh-BH/runq/internal/repository"
)

// Coordinator mediates every state change between the job store, the queue
// partitions and the completion notifier.
type Coordinator struct {
	repo     repository.JobRepository
	queues   queue.Set
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(repo repository.JobRepository, queues queue.Set, notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		queues:   queues,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists a queued job and appends it to its language partition.
// If the partition refuses the id the record is deleted again, so a job is
// never stored without being claimable.
func (c *Coordinator) Enqueue(ctx context.Context, job *domain.Job) error {
	part, err := c.queues.For(job.Language)
	if err != nil {
		return err
	}
	if err := c.repo.Create(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	if err := part.Add(ctx, job.ID); err != nil {
		if delErr := c.repo.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			c.logger.Error("Failed to roll back job record",
				zap.String("job_id", job.ID.String()),
				zap.Error(delErr),
			)
		}
		return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	return nil
}

// Activate claims a queued job for workerID. Anything but a queued job
// yields an error wrapping domain.ErrInvalidTransition or domain.ErrJobNotFound.
func (c *Coordinator) Activate(ctx context.Context, id uuid.UUID, workerID string) (*domain.Job, error) {
	return c.repo.Activate(ctx, id, workerID, c.now())
}

// Complete records a successful run and wakes its waiters.
func (c *Coordinator) Complete(ctx context.Context, id uuid.UUID, result domain.Result) error {
	return c.finish(ctx, id, repository.Completed(result))
}

// Fail records a failed run and wakes its waiters.
func (c *Coordinator) Fail(ctx context.Context, id uuid.UUID, failure domain.Failure) error {
	return c.finish(ctx, id, repository.Failed(failure))
}

func (c *Coordinator) finish(ctx context.Context, id uuid.UUID, outcome repository.Outcome) error {
	job, err := c.repo.Finish(ctx, id, outcome, c.now())
	if err != nil {
		return err
	}

	label := string(domain.StateCompleted)
	if job.Failure != nil {
		label = string(job.Failure.Kind)
	}
	metrics.ExecutionsTotal.WithLabelValues(string(job.Language), label).Inc()

	if err := c.notifier.Publish(ctx, id); err != nil {
		// The record is already terminal; waiters elsewhere see it on their next read.
		c.logger.Error("Failed to publish completion", zap.String("job_id", id.String()), zap.Error(err))
	}
	return nil
}

// GetState returns the current record of a job.
func (c *Coordinator) GetState(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return c.repo.Get(ctx, id)
}

// Await blocks until the job is terminal or ctx is done. Every waiter of a
// job wakes on the same completion and reads the same terminal record. When
// ctx expires first it returns the latest record with domain.ErrWaitTimeout;
// the job itself is untouched.
func (c *Coordinator) Await(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	for {
		w := c.notifier.Watch(id)
		job, err := c.repo.Get(ctx, id)
		if err != nil {
			w.Cancel()
			if ctx.Err() != nil {
				return nil, waitErr(ctx)
			}
			return nil, err
		}
		if job.State.IsTerminal() || job.State == domain.StateRemoved {
			w.Cancel()
			return job, nil
		}

		select {
		case <-w.Done():
			w.Cancel()
		case <-ctx.Done():
			w.Cancel()
			return job, waitErr(ctx)
		}
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrWaitTimeout
	}
	return ctx.Err()
}

// Remove turns a terminal job into a tombstone and drops any broker state
// left for it. Removing an already removed job is a no-op, including once its
// tombstone has been purged; a queued or active job yields
// domain.ErrJobNotTerminal.
func (c *Coordinator) Remove(ctx context.Context, id uuid.UUID) error {
	job, err := c.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.repo.Remove(ctx, id, c.now()); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil
		}
		var te *domain.TransitionError
		if errors.As(err, &te) {
			return fmt.Errorf("%w: job is %s", domain.ErrJobNotTerminal, te.Current)
		}
		return err
	}
	if part, err := c.queues.For(job.Language); err == nil {
		if err := part.Remove(ctx, id); err != nil {
			c.logger.Warn("Failed to remove job from partition",
				zap.String("job_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Ping checks the job store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.repo.Ping(ctx)
}

// Queues exposes the partitions the coordinator enqueues to.
func (c *Coordinator) Queues() queue.Set {
	return c.queues
}

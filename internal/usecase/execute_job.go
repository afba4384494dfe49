package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	"github.com/Harsh-BH/runq/internal/lifecycle"
	"github.com/Harsh-BH/runq/internal/metrics"
	"github.com/Harsh-BH/runq/internal/queue"
	"github.com/Harsh-BH/runq/internal/sandbox"
)

// Client-facing failure messages. Backend diagnostics are only logged.
const (
	msgTimeLimit     = "time limit exceeded"
	msgMemoryLimit   = "memory limit exceeded"
	msgMalformed     = "execution finished without a readable result"
	msgInvocation    = "execution backend unavailable"
	msgInternalPanic = "internal error while executing job"
)

const releaseTimeout = 5 * time.Second

// ExecuteJobUsecase orchestrates the full job execution pipeline for one
// claimed job id.
type ExecuteJobUsecase struct {
	coord   *lifecycle.Coordinator
	sandbox *sandbox.Manager
	backend executor.Backend
	logger  *zap.Logger
}

// NewExecuteJobUsecase creates a new ExecuteJobUsecase.
func NewExecuteJobUsecase(
	coord *lifecycle.Coordinator,
	sandboxes *sandbox.Manager,
	backend executor.Backend,
	logger *zap.Logger,
) *ExecuteJobUsecase {
	return &ExecuteJobUsecase{
		coord:   coord,
		sandbox: sandboxes,
		backend: backend,
		logger:  logger,
	}
}

// Execute processes a single claimed id: activate → sandbox → backend →
// destroy sandbox → record outcome → ack. An id whose job is not queued any
// more (redelivered or removed) is acked without running anything and
// reported as skipped. An id whose activation failed for any other reason is
// released back to the partition so another claim retries it.
func (uc *ExecuteJobUsecase) Execute(ctx context.Context, part queue.Partition, id uuid.UUID, workerID string) (skipped bool, err error) {
	job, err := uc.coord.Activate(ctx, id, workerID)
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
		uc.logger.Info("Skipping job that is no longer queued",
			zap.String("job_id", id.String()),
			zap.String("worker_id", workerID),
			zap.Error(err),
		)
		uc.ack(ctx, part, id)
		return true, nil
	}
	if err != nil {
		uc.release(ctx, part, id)
		return false, fmt.Errorf("activate job: %w", err)
	}

	logger := uc.logger.With(
		zap.String("job_id", id.String()),
		zap.String("language", string(job.Language)),
		zap.String("worker_id", workerID),
	)
	logger.Info("Job activated")

	result, failure := uc.run(ctx, job, logger)

	if failure != nil {
		err = uc.coord.Fail(ctx, id, *failure)
	} else {
		err = uc.coord.Complete(ctx, id, *result)
	}
	if err != nil {
		// The job stays active and is failed as abandoned by the reaper.
		logger.Error("Failed to record job outcome", zap.Error(err))
		uc.ack(ctx, part, id)
		return false, fmt.Errorf("record outcome: %w", err)
	}

	uc.ack(ctx, part, id)

	if failure != nil {
		logger.Info("Job failed", zap.String("kind", string(failure.Kind)))
	} else {
		logger.Info("Job executed successfully", zap.Int64("time_ms", result.ExecutionTimeMs))
	}
	return false, nil
}

func (uc *ExecuteJobUsecase) ack(ctx context.Context, part queue.Partition, id uuid.UUID) {
	if err := part.Ack(ctx, id); err != nil {
		uc.logger.Error("Failed to ACK job", zap.String("job_id", id.String()), zap.Error(err))
	}
}

func (uc *ExecuteJobUsecase) release(ctx context.Context, part queue.Partition, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := part.Release(ctx, id); err != nil {
		uc.logger.Error("Failed to release job", zap.String("job_id", id.String()), zap.Error(err))
	}
}

// run executes the job in a fresh sandbox directory and always destroys the
// directory before returning, panics included.
func (uc *ExecuteJobUsecase) run(ctx context.Context, job *domain.Job, logger *zap.Logger) (result *domain.Result, failure *domain.Failure) {
	lang := string(job.Language)

	dir, err := uc.sandbox.Create(job.Language, job.ID)
	if err != nil {
		metrics.SandboxFailures.WithLabelValues(lang, "create").Inc()
		logger.Error("Failed to create sandbox directory", zap.Error(err))
		return nil, &domain.Failure{Kind: domain.FailureInvocation, Message: msgInvocation}
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.SandboxFailures.WithLabelValues(lang, "panic").Inc()
			logger.Error("Job execution panic recovered", zap.Any("panic", r))
			result, failure = nil, &domain.Failure{Kind: domain.FailureInvocation, Message: msgInternalPanic}
		}
		if err := uc.sandbox.Destroy(dir); err != nil {
			metrics.SandboxFailures.WithLabelValues(lang, "destroy").Inc()
			logger.Error("Failed to destroy sandbox directory", zap.String("dir", dir.Path), zap.Error(err))
		}
	}()

	if err := dir.WriteInputs(job.SourceCode, job.Stdin); err != nil {
		metrics.SandboxFailures.WithLabelValues(lang, "write").Inc()
		logger.Error("Failed to write sandbox inputs", zap.Error(err))
		return nil, &domain.Failure{Kind: domain.FailureInvocation, Message: msgInvocation}
	}

	outcome := uc.invoke(ctx, dir)

	logger.Debug("Backend run finished",
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("elapsed", outcome.Elapsed),
		zap.String("diagnostic", outcome.Diagnostic),
	)

	return uc.classify(dir, outcome, logger)
}

func (uc *ExecuteJobUsecase) invoke(ctx context.Context, dir *sandbox.Dir) executor.Outcome {
	lang := string(dir.Language)
	metrics.WorkersActive.WithLabelValues(lang).Inc()
	defer metrics.WorkersActive.WithLabelValues(lang).Dec()

	outcome := uc.backend.Run(ctx, dir, dir.Language)
	metrics.ExecutionDuration.WithLabelValues(lang).Observe(outcome.Elapsed.Seconds())
	return outcome
}

func (uc *ExecuteJobUsecase) classify(dir *sandbox.Dir, outcome executor.Outcome, logger *zap.Logger) (*domain.Result, *domain.Failure) {
	lang := string(dir.Language)

	switch outcome.Kind {
	case executor.NormalExit:
		res, err := dir.ReadOutputs()
		if err != nil {
			metrics.SandboxFailures.WithLabelValues(lang, "result").Inc()
			logger.Warn("Malformed execution result", zap.Error(err))
			return nil, &domain.Failure{Kind: domain.FailureMalformedResult, Message: msgMalformed}
		}
		return res, nil

	case executor.NonZeroExit:
		if outcome.OOMKilled {
			return nil, &domain.Failure{Kind: domain.FailureMemoryLimitExceeded, Message: msgMemoryLimit}
		}
		return nil, &domain.Failure{
			Kind:    domain.FailureRuntimeError,
			Message: fmt.Sprintf("program exited with status %d", outcome.ExitCode),
		}

	case executor.TimedOut:
		return nil, &domain.Failure{Kind: domain.FailureTimeLimitExceeded, Message: msgTimeLimit}

	default:
		metrics.SandboxFailures.WithLabelValues(lang, "invoke").Inc()
		logger.Error("Execution backend invocation failed",
			zap.Error(outcome.Err),
			zap.String("diagnostic", outcome.Diagnostic),
		)
		return nil, &domain.Failure{Kind: domain.FailureInvocation, Message: msgInvocation}
	}
}

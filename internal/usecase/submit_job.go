package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/lifecycle"
	"github.com/Harsh-BH/runq/internal/metrics"
	"github.com/Harsh-BH/runq/internal/ratelimit"
)

const (
	maxSourceCodeSize = 1 << 20 // 1 MB
	maxStdinSize      = 1 << 20 // 1 MB
)

// SubmitJobUsecase is the admission controller: it validates a submission,
// applies the per-client quota and hands accepted jobs to the coordinator.
type SubmitJobUsecase struct {
	coord   *lifecycle.Coordinator
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

// NewSubmitJobUsecase creates a new SubmitJobUsecase.
func NewSubmitJobUsecase(coord *lifecycle.Coordinator, limiter ratelimit.Limiter, logger *zap.Logger) *SubmitJobUsecase {
	return &SubmitJobUsecase{
		coord:   coord,
		limiter: limiter,
		logger:  logger,
	}
}

// Validate checks a submission without consuming quota.
func Validate(req *domain.SubmitRequest) error {
	if !req.Language.IsValid() {
		return domain.ErrInvalidLanguage
	}
	if strings.TrimSpace(req.SourceCode) == "" {
		return domain.ErrEmptySourceCode
	}
	if len(req.SourceCode) > maxSourceCodeSize {
		return domain.ErrPayloadTooLarge
	}
	if len(req.Stdin) > maxStdinSize {
		return domain.ErrStdinTooLarge
	}
	return nil
}

// Submit admits a job and returns it in the queued state. Invalid and
// throttled submissions create nothing.
func (uc *SubmitJobUsecase) Submit(ctx context.Context, req *domain.SubmitRequest) (*domain.Job, error) {
	if err := Validate(req); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("invalid", metrics.DecisionInvalid).Inc()
		return nil, err
	}
	lang := string(req.Language)

	decision, err := uc.limiter.Allow(ctx, req.Client)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(lang, metrics.DecisionError).Inc()
		uc.logger.Error("Rate limiter unavailable", zap.String("client", req.Client), zap.Error(err))
		return nil, fmt.Errorf("admission: rate limit: %w", err)
	}
	if !decision.Allowed {
		metrics.AdmissionsTotal.WithLabelValues(lang, metrics.DecisionThrottled).Inc()
		uc.logger.Info("Submission throttled",
			zap.String("client", req.Client),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return nil, &domain.ThrottledError{RetryAfter: decision.RetryAfter, Limit: decision.Limit}
	}

	// Generate UUIDv7 (time-ordered)
	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUIDv7: %w", err)
	}

	job := &domain.Job{
		ID:         jobID,
		Language:   req.Language,
		Client:     req.Client,
		SourceCode: req.SourceCode,
		Stdin:      req.Stdin,
		State:      domain.StateQueued,
		CreatedAt:  time.Now().UTC(),
	}

	if err := uc.coord.Enqueue(ctx, job); err != nil {
		metrics.AdmissionsTotal.WithLabelValues(lang, metrics.DecisionError).Inc()
		uc.logger.Error("Failed to enqueue job", zap.String("job_id", jobID.String()), zap.Error(err))
		return nil, err
	}
	metrics.AdmissionsTotal.WithLabelValues(lang, metrics.DecisionAccepted).Inc()

	uc.logger.Info("Job submitted successfully",
		zap.String("job_id", jobID.String()),
		zap.String("language", lang),
	)
	return job, nil
}

// RunSync submits a job and waits up to wait for its outcome. A finished job
// is removed once its outcome is returned. When the wait expires first the
// queued or active job is returned with domain.ErrWaitTimeout and keeps
// running; it can still be fetched and removed later.
func (uc *SubmitJobUsecase) RunSync(ctx context.Context, req *domain.SubmitRequest, wait time.Duration) (*domain.Job, error) {
	job, err := uc.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	done, err := uc.coord.Await(waitCtx, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrWaitTimeout) && done != nil {
			return done, err
		}
		if errors.Is(err, domain.ErrWaitTimeout) {
			return job, err
		}
		return nil, err
	}

	if done.State.IsTerminal() {
		if err := uc.coord.Remove(context.WithoutCancel(ctx), job.ID); err != nil {
			uc.logger.Warn("Failed to remove retrieved job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return done, nil
}

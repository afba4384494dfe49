package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/lifecycle"
)

// GetJobUsecase handles fetching job status and results.
type GetJobUsecase struct {
	coord  *lifecycle.Coordinator
	logger *zap.Logger
}

// NewGetJobUsecase creates a new GetJobUsecase.
func NewGetJobUsecase(coord *lifecycle.Coordinator, logger *zap.Logger) *GetJobUsecase {
	return &GetJobUsecase{
		coord:  coord,
		logger: logger,
	}
}

// Execute retrieves a job of the given language by its ID.
func (uc *GetJobUsecase) Execute(ctx context.Context, lang domain.Language, id uuid.UUID) (*domain.Job, error) {
	job, err := uc.coord.GetState(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			uc.logger.Error("Failed to read job", zap.String("job_id", id.String()), zap.Error(err))
			return nil, err
		}
		uc.logger.Debug("Job not found", zap.String("job_id", id.String()))
		return nil, domain.ErrJobNotFound
	}
	if job.Language != lang {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// Await blocks until the job is terminal or ctx is done; see
// lifecycle.Coordinator.Await.
func (uc *GetJobUsecase) Await(ctx context.Context, lang domain.Language, id uuid.UUID) (*domain.Job, error) {
	if _, err := uc.Execute(ctx, lang, id); err != nil {
		return nil, err
	}
	return uc.coord.Await(ctx, id)
}

// RemoveJobUsecase deletes a finished job once its client is done with it.
type RemoveJobUsecase struct {
	coord  *lifecycle.Coordinator
	logger *zap.Logger
}

// NewRemoveJobUsecase creates a new RemoveJobUsecase.
func NewRemoveJobUsecase(coord *lifecycle.Coordinator, logger *zap.Logger) *RemoveJobUsecase {
	return &RemoveJobUsecase{
		coord:  coord,
		logger: logger,
	}
}

// Execute removes the job. Queued and active jobs yield domain.ErrJobNotTerminal.
// An id with no record left, e.g. a purged tombstone, counts as removed.
func (uc *RemoveJobUsecase) Execute(ctx context.Context, lang domain.Language, id uuid.UUID) error {
	job, err := uc.coord.GetState(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Language != lang {
		return domain.ErrJobNotFound
	}
	if err := uc.coord.Remove(ctx, id); err != nil {
		return err
	}
	uc.logger.Debug("Job removed", zap.String("job_id", id.String()))
	return nil
}

package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// Ensure pgJobRepo implements repository.JobRepository.
var _ repository.JobRepository = (*pgJobRepo)(nil)

const jobColumns = `
	job_id, language, client, source_code, stdin, state,
	output, execution_time_ms, failure_kind, failure_message, claimed_by,
	created_at, activated_at, finished_at`

type pgJobRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresJobRepository creates a new PostgreSQL-backed job repository.
func NewPostgresJobRepository(pool *pgxpool.Pool) repository.JobRepository {
	return &pgJobRepo{pool: pool}
}

// EnsureSchema creates the run_jobs table and its indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (r *pgJobRepo) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO run_jobs (job_id, language, client, source_code, stdin, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.State = domain.StateQueued
	_, err := r.pool.Exec(ctx, query,
		job.ID, job.Language, job.Client, job.SourceCode, job.Stdin, job.State, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", err)
	}
	return nil
}

func (r *pgJobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM run_jobs WHERE job_id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job by id: %w", err)
	}
	return job, nil
}

func (r *pgJobRepo) Activate(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (*domain.Job, error) {
	query := `
		UPDATE run_jobs
		SET state = 'active', claimed_by = $1, activated_at = $2
		WHERE job_id = $3 AND state = 'queued'
		RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, workerID, at.UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.refused(ctx, id, domain.StateQueued, domain.StateActive)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: activate job: %w", err)
	}
	return job, nil
}

func (r *pgJobRepo) Finish(ctx context.Context, id uuid.UUID, outcome repository.Outcome, at time.Time) (*domain.Job, error) {
	var (
		output      *string
		execMs      *int64
		failKind    *string
		failMessage *string
	)
	switch outcome.State {
	case domain.StateCompleted:
		if outcome.Result == nil {
			return nil, fmt.Errorf("postgres: finish job: completed without result")
		}
		output, execMs = &outcome.Result.Output, &outcome.Result.ExecutionTimeMs
	case domain.StateFailed:
		if outcome.Failure == nil {
			return nil, fmt.Errorf("postgres: finish job: failed without failure")
		}
		kind := string(outcome.Failure.Kind)
		failKind, failMessage = &kind, &outcome.Failure.Message
	default:
		return nil, &domain.TransitionError{From: domain.StateActive, To: outcome.State, Current: domain.StateActive}
	}

	query := `
		UPDATE run_jobs
		SET state = $1, output = $2, execution_time_ms = $3,
		    failure_kind = $4, failure_message = $5,
		    claimed_by = NULL, finished_at = $6
		WHERE job_id = $7 AND state = 'active'
		RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query,
		outcome.State, output, execMs, failKind, failMessage, at.UTC(), id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.refused(ctx, id, domain.StateActive, outcome.State)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: finish job: %w", err)
	}
	return job, nil
}

func (r *pgJobRepo) Remove(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE run_jobs
		SET state = 'removed', source_code = '', stdin = '', client = '',
		    output = NULL, failure_message = NULL, removed_at = $1
		WHERE job_id = $2 AND state IN ('completed', 'failed')`

	tag, err := r.pool.Exec(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: remove job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	err = r.refused(ctx, id, "", domain.StateRemoved)
	var te *domain.TransitionError
	if errors.As(err, &te) && te.Current == domain.StateRemoved {
		return nil
	}
	return err
}

func (r *pgJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM run_jobs WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete job: %w", err)
	}
	return nil
}

func (r *pgJobRepo) ListFinishedBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT job_id FROM run_jobs
		WHERE state IN ('completed', 'failed') AND finished_at < $1
		ORDER BY finished_at
		LIMIT $2`
	return r.listIDs(ctx, query, t.UTC(), limit)
}

func (r *pgJobRepo) ListActiveBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT job_id FROM run_jobs
		WHERE state = 'active' AND activated_at < $1
		ORDER BY activated_at
		LIMIT $2`
	return r.listIDs(ctx, query, t.UTC(), limit)
}

func (r *pgJobRepo) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	return ids, nil
}

func (r *pgJobRepo) PurgeRemoved(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM run_jobs WHERE state = 'removed' AND removed_at < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge removed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgJobRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// refused explains why a conditional update matched no row.
func (r *pgJobRepo) refused(ctx context.Context, id uuid.UUID, from, to domain.State) error {
	var current domain.State
	err := r.pool.QueryRow(ctx, `SELECT state FROM run_jobs WHERE job_id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: read job state: %w", err)
	}
	if from == "" {
		from = current
	}
	return &domain.TransitionError{From: from, To: to, Current: current}
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		output      *string
		execMs      *int64
		failKind    *string
		failMessage *string
		claimedBy   *string
	)
	err := row.Scan(
		&job.ID, &job.Language, &job.Client, &job.SourceCode, &job.Stdin, &job.State,
		&output, &execMs, &failKind, &failMessage, &claimedBy,
		&job.CreatedAt, &job.ActivatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if claimedBy != nil {
		job.ClaimedBy = *claimedBy
	}
	switch job.State {
	case domain.StateCompleted:
		job.Result = &domain.Result{}
		if output != nil {
			job.Result.Output = *output
		}
		if execMs != nil {
			job.Result.ExecutionTimeMs = *execMs
		}
	case domain.StateFailed:
		job.Failure = &domain.Failure{}
		if failKind != nil {
			job.Failure.Kind = domain.FailureKind(*failKind)
		}
		if failMessage != nil {
			job.Failure.Message = *failMessage
		}
	}
	return &job, nil
}

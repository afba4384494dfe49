package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/repository"
)

func newTestRepo(t *testing.T) (repository.JobRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisJobRepository(client), mr
}

func newQueuedJob(t *testing.T, repo repository.JobRepository) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:         uuid.Must(uuid.NewV7()),
		Language:   domain.LangPython,
		Client:     "10.0.0.1",
		SourceCode: "print(input())",
		Stdin:      "hello",
		CreatedAt:  time.UnixMilli(1_700_000_000_000).UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestCreateAndGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	job := newQueuedJob(t, repo)

	got, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
	assert.Equal(t, job.SourceCode, got.SourceCode)
	assert.Equal(t, job.Stdin, got.Stdin)
	assert.Equal(t, job.Client, got.Client)
	assert.Equal(t, job.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.ActivatedAt)
	assert.Nil(t, got.Result)
}

func TestCreate_Duplicate(t *testing.T) {
	repo, _ := newTestRepo(t)
	job := newQueuedJob(t, repo)

	err := repo.Create(context.Background(), job)
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	job := newQueuedJob(t, repo)
	at := time.UnixMilli(1_700_000_001_000).UTC()

	got, err := repo.Activate(ctx, job.ID, "python-1", at)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, "python-1", got.ClaimedBy)
	require.NotNil(t, got.ActivatedAt)
	assert.Equal(t, at, *got.ActivatedAt)
	assert.Equal(t, job.SourceCode, got.SourceCode)

	_, err = repo.Activate(ctx, job.ID, "python-2", at)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StateActive, te.Current)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestActivate_ConcurrentClaimantsOneWins(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	job := newQueuedJob(t, repo)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Activate(ctx, job.ID, "w", time.Now()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestFinish(t *testing.T) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		job := newQueuedJob(t, repo)
		_, err := repo.Activate(ctx, job.ID, "w", time.Now())
		require.NoError(t, err)

		got, err := repo.Finish(ctx, job.ID, repository.Completed(domain.Result{Output: "hello\n", ExecutionTimeMs: 42}), time.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		require.NotNil(t, got.Result)
		assert.Equal(t, "hello\n", got.Result.Output)
		assert.Equal(t, int64(42), got.Result.ExecutionTimeMs)
		assert.Empty(t, got.ClaimedBy)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("failed", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		job := newQueuedJob(t, repo)
		_, err := repo.Activate(ctx, job.ID, "w", time.Now())
		require.NoError(t, err)

		got, err := repo.Finish(ctx, job.ID, repository.Failed(domain.Failure{Kind: domain.FailureTimeLimitExceeded, Message: "time limit exceeded"}), time.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, got.State)
		require.NotNil(t, got.Failure)
		assert.Equal(t, domain.FailureTimeLimitExceeded, got.Failure.Kind)
		assert.Nil(t, got.Result)
	})

	t.Run("terminal state is written once", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		job := newQueuedJob(t, repo)
		_, err := repo.Activate(ctx, job.ID, "w", time.Now())
		require.NoError(t, err)
		_, err = repo.Finish(ctx, job.ID, repository.Completed(domain.Result{Output: "first"}), time.Now())
		require.NoError(t, err)

		_, err = repo.Finish(ctx, job.ID, repository.Failed(domain.Failure{Kind: domain.FailureAbandoned}), time.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := repo.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		assert.Equal(t, "first", got.Result.Output)
	})

	t.Run("queued job cannot finish", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		job := newQueuedJob(t, repo)
		_, err := repo.Finish(ctx, job.ID, repository.Completed(domain.Result{}), time.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	job := newQueuedJob(t, repo)

	err := repo.Remove(ctx, job.ID, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "queued job cannot be removed")

	_, err = repo.Activate(ctx, job.ID, "w", time.Now())
	require.NoError(t, err)
	_, err = repo.Finish(ctx, job.ID, repository.Completed(domain.Result{Output: "secret"}), time.Now())
	require.NoError(t, err)

	require.NoError(t, repo.Remove(ctx, job.ID, time.Now()))
	require.NoError(t, repo.Remove(ctx, job.ID, time.Now()), "remove is idempotent")

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRemoved, got.State)
	assert.Empty(t, got.SourceCode)
	assert.Empty(t, got.Stdin)
	assert.Nil(t, got.Result)

	assert.ErrorIs(t, repo.Remove(ctx, uuid.New(), time.Now()), domain.ErrJobNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRepo(t)
	job := newQueuedJob(t, repo)

	require.NoError(t, repo.Delete(ctx, job.ID))
	_, err := repo.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.False(t, mr.Exists(jobKey(job.ID)))
}

func TestListAndPurge(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	base := time.UnixMilli(1_700_000_000_000).UTC()

	oldActive := newQueuedJob(t, repo)
	_, err := repo.Activate(ctx, oldActive.ID, "w", base)
	require.NoError(t, err)

	newActive := newQueuedJob(t, repo)
	_, err = repo.Activate(ctx, newActive.ID, "w", base.Add(time.Minute))
	require.NoError(t, err)

	finished := newQueuedJob(t, repo)
	_, err = repo.Activate(ctx, finished.ID, "w", base)
	require.NoError(t, err)
	_, err = repo.Finish(ctx, finished.ID, repository.Completed(domain.Result{}), base.Add(time.Second))
	require.NoError(t, err)

	ids, err := repo.ListActiveBefore(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{oldActive.ID}, ids)

	ids, err = repo.ListFinishedBefore(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{finished.ID}, ids)

	require.NoError(t, repo.Remove(ctx, finished.ID, base.Add(2*time.Second)))
	ids, err = repo.ListFinishedBefore(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := repo.PurgeRemoved(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "tombstone is newer than the cutoff")

	n, err = repo.PurgeRemoved(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, finished.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

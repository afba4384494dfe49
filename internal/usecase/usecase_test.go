package usecase_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	emock "github.com/Harsh-BH/runq/internal/executor/mock"
	"github.com/Harsh-BH/runq/internal/lifecycle"
	qmock "github.com/Harsh-BH/runq/internal/queue/mock"
	"github.com/Harsh-BH/runq/internal/ratelimit"
	rmock "github.com/Harsh-BH/runq/internal/repository/mock"
	"github.com/Harsh-BH/runq/internal/sandbox"
	"github.com/Harsh-BH/runq/internal/usecase"
)

type env struct {
	repo      *rmock.MockJobRepository
	queues    map[domain.Language]*qmock.Partition
	coord     *lifecycle.Coordinator
	sandboxes *sandbox.Manager
	backend   *emock.Backend
	submit    *usecase.SubmitJobUsecase
	execute   *usecase.ExecuteJobUsecase
	get       *usecase.GetJobUsecase
	remove    *usecase.RemoveJobUsecase
}

func newEnv(t *testing.T, quota int) *env {
	t.Helper()
	logger := zap.NewNop()

	repo := rmock.NewMockJobRepository()
	set := qmock.NewSet()
	queues := make(map[domain.Language]*qmock.Partition)
	for lang, p := range set {
		queues[lang] = p.(*qmock.Partition)
	}
	coord := lifecycle.NewCoordinator(repo, set, lifecycle.NewHub(), logger)

	sandboxes, err := sandbox.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	backend := &emock.Backend{RunFn: emock.Echo(7)}

	return &env{
		repo:      repo,
		queues:    queues,
		coord:     coord,
		sandboxes: sandboxes,
		backend:   backend,
		submit:    usecase.NewSubmitJobUsecase(coord, ratelimit.NewMemoryLimiter(quota, time.Minute), logger),
		execute:   usecase.NewExecuteJobUsecase(coord, sandboxes, backend, logger),
		get:       usecase.NewGetJobUsecase(coord, logger),
		remove:    usecase.NewRemoveJobUsecase(coord, logger),
	}
}

func (e *env) submitJob(t *testing.T, lang domain.Language, source, stdin string) *domain.Job {
	t.Helper()
	job, err := e.submit.Submit(context.Background(), &domain.SubmitRequest{
		Client:     "203.0.113.9",
		Language:   lang,
		SourceCode: source,
		Stdin:      stdin,
	})
	require.NoError(t, err)
	return job
}

// claimAndExecute plays one worker iteration on lang's partition.
func (e *env) claimAndExecute(t *testing.T, lang domain.Language) (uuid.UUID, bool) {
	t.Helper()
	part := e.queues[lang]
	id, err := part.Claim(context.Background(), string(lang)+"-0")
	require.NoError(t, err)
	skipped, err := e.execute.Execute(context.Background(), part, id, string(lang)+"-0")
	require.NoError(t, err)
	return id, skipped
}

func (e *env) assertNoSandboxDir(t *testing.T, lang domain.Language, id uuid.UUID) {
	t.Helper()
	_, err := os.Stat(e.sandboxes.PathFor(lang, id))
	assert.True(t, os.IsNotExist(err), "sandbox directory for %s still exists", id)
}

func TestSubmit_Accepted(t *testing.T) {
	e := newEnv(t, 6)
	job := e.submitJob(t, domain.LangPython, "print(1)", "")

	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, uuid.Version(7), job.ID.Version())
	assert.Equal(t, []uuid.UUID{job.ID}, e.queues[domain.LangPython].Pending())
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, 1)

	tests := []struct {
		name string
		req  domain.SubmitRequest
		want error
	}{
		{"unsupported language", domain.SubmitRequest{Language: "cpp_extra", SourceCode: "int main(){}"}, domain.ErrInvalidLanguage},
		{"missing language", domain.SubmitRequest{SourceCode: "print(1)"}, domain.ErrInvalidLanguage},
		{"empty source", domain.SubmitRequest{Language: domain.LangPython}, domain.ErrEmptySourceCode},
		{"blank source", domain.SubmitRequest{Language: domain.LangCpp, SourceCode: " \n\t"}, domain.ErrEmptySourceCode},
		{"source too large", domain.SubmitRequest{Language: domain.LangPython, SourceCode: strings.Repeat("x", 1<<20+1)}, domain.ErrPayloadTooLarge},
		{"stdin too large", domain.SubmitRequest{Language: domain.LangPython, SourceCode: "x", Stdin: strings.Repeat("x", 1<<20+1)}, domain.ErrStdinTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Client = "203.0.113.9"
			job, err := e.submit.Submit(context.Background(), &req)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Zero(t, e.repo.Len(), "no job is created")
	for _, p := range e.queues {
		assert.Empty(t, p.Pending())
	}

	// Invalid submissions consumed no quota.
	e.submitJob(t, domain.LangCpp, "int main(){}", "")
}

func TestSubmit_Throttled(t *testing.T) {
	e := newEnv(t, 2)
	e.submitJob(t, domain.LangPython, "print(1)", "")
	e.submitJob(t, domain.LangPython, "print(2)", "")

	job, err := e.submit.Submit(context.Background(), &domain.SubmitRequest{
		Client:     "203.0.113.9",
		Language:   domain.LangPython,
		SourceCode: "print(3)",
	})
	assert.Nil(t, job)
	require.ErrorIs(t, err, domain.ErrThrottled)

	var te *domain.ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Positive(t, te.RetryAfter)
	assert.Equal(t, 2, te.Limit)

	assert.Len(t, e.queues[domain.LangPython].Pending(), 2, "throttled job never reaches a partition")
	assert.Equal(t, 2, e.repo.Len())

	// Quota is per client.
	_, err = e.submit.Submit(context.Background(), &domain.SubmitRequest{
		Client:     "198.51.100.1",
		Language:   domain.LangPython,
		SourceCode: "print(4)",
	})
	assert.NoError(t, err)
}

func TestExecute_StdinRoundTrip(t *testing.T) {
	for _, lang := range domain.Languages() {
		t.Run(string(lang), func(t *testing.T) {
			e := newEnv(t, 6)
			job := e.submitJob(t, lang, "echo program", "line one\nline two\n")

			id, skipped := e.claimAndExecute(t, lang)
			require.False(t, skipped)
			require.Equal(t, job.ID, id)

			got, err := e.get.Execute(context.Background(), lang, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StateCompleted, got.State)
			require.NotNil(t, got.Result)
			assert.Equal(t, "line one\nline two\n", got.Result.Output)
			assert.Equal(t, int64(7), got.Result.ExecutionTimeMs)
			assert.Empty(t, got.ClaimedBy)

			require.Len(t, e.backend.Calls, 1)
			assert.Equal(t, "echo program", e.backend.Calls[0].Source)
			assert.Equal(t, []uuid.UUID{id}, e.queues[lang].AckedIDs())
			e.assertNoSandboxDir(t, lang, id)
		})
	}
}

func TestExecute_FIFO(t *testing.T) {
	e := newEnv(t, 10)
	var want []uuid.UUID
	for i := 0; i < 4; i++ {
		want = append(want, e.submitJob(t, domain.LangCpp, "int main(){}", "").ID)
	}

	var got []uuid.UUID
	for range want {
		id, _ := e.claimAndExecute(t, domain.LangCpp)
		got = append(got, id)
	}
	assert.Equal(t, want, got)
}

func TestExecute_MalformedResult(t *testing.T) {
	e := newEnv(t, 6)
	e.backend.RunFn = func(context.Context, *sandbox.Dir, domain.Language) executor.Outcome {
		return executor.Outcome{Kind: executor.NormalExit}
	}
	job := e.submitJob(t, domain.LangPython, "print(1)", "")

	id, _ := e.claimAndExecute(t, domain.LangPython)

	got, err := e.get.Execute(context.Background(), domain.LangPython, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.FailureMalformedResult, got.Failure.Kind)
	assert.Nil(t, got.Result, "missing output is not empty output")
	e.assertNoSandboxDir(t, domain.LangPython, id)
}

func TestExecute_FailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		outcome executor.Outcome
		want    domain.FailureKind
	}{
		{"runtime error", executor.Outcome{Kind: executor.NonZeroExit, ExitCode: 1, Diagnostic: "Traceback"}, domain.FailureRuntimeError},
		{"oom", executor.Outcome{Kind: executor.NonZeroExit, ExitCode: 137, OOMKilled: true}, domain.FailureMemoryLimitExceeded},
		{"timeout", executor.Outcome{Kind: executor.TimedOut, ExitCode: -1}, domain.FailureTimeLimitExceeded},
		{"invocation error", executor.Outcome{Kind: executor.InvocationError, Diagnostic: "Unable to find image"}, domain.FailureInvocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 6)
			e.backend.RunFn = func(_ context.Context, dir *sandbox.Dir, _ domain.Language) executor.Outcome {
				// Partial output left behind must not leak into a failed job.
				_ = dir.WriteResult("partial", 1)
				return tt.outcome
			}
			job := e.submitJob(t, domain.LangCpp, "int main(){return 1;}", "")

			id, _ := e.claimAndExecute(t, domain.LangCpp)

			got, err := e.get.Execute(context.Background(), domain.LangCpp, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StateFailed, got.State)
			assert.Equal(t, tt.want, got.Failure.Kind)
			assert.Nil(t, got.Result)
			assert.NotContains(t, got.Failure.Message, "Traceback")
			assert.NotContains(t, got.Failure.Message, "Unable to find image")
			e.assertNoSandboxDir(t, domain.LangCpp, id)
		})
	}
}

func TestExecute_PanicStillCleansUp(t *testing.T) {
	e := newEnv(t, 6)
	e.backend.RunFn = func(context.Context, *sandbox.Dir, domain.Language) executor.Outcome {
		panic("backend exploded")
	}
	job := e.submitJob(t, domain.LangPython, "print(1)", "")

	id, _ := e.claimAndExecute(t, domain.LangPython)

	got, err := e.get.Execute(context.Background(), domain.LangPython, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.FailureInvocation, got.Failure.Kind)
	e.assertNoSandboxDir(t, domain.LangPython, id)
}

func TestExecute_SkipsJobThatIsNotQueued(t *testing.T) {
	e := newEnv(t, 6)
	job := e.submitJob(t, domain.LangPython, "print(1)", "")
	_, err := e.coord.Activate(context.Background(), job.ID, "someone-else")
	require.NoError(t, err)

	id, skipped := e.claimAndExecute(t, domain.LangPython)
	assert.True(t, skipped)
	assert.Equal(t, job.ID, id)
	assert.Zero(t, e.backend.CallCount(), "nothing is executed twice")
	assert.Equal(t, []uuid.UUID{id}, e.queues[domain.LangPython].AckedIDs())
}

func TestExecute_ReleasesJobWhenActivationFails(t *testing.T) {
	e := newEnv(t, 6)
	calls := 0
	e.repo.ActivateFunc = func(context.Context, uuid.UUID, string) error {
		calls++
		if calls == 1 {
			return errors.New("store blip")
		}
		return nil
	}
	job := e.submitJob(t, domain.LangPython, "print(1)", "")
	later := e.submitJob(t, domain.LangPython, "print(2)", "")
	part := e.queues[domain.LangPython]

	id, err := part.Claim(context.Background(), "python-0")
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	_, err = e.execute.Execute(context.Background(), part, id, "python-0")
	require.Error(t, err)
	assert.Empty(t, part.AckedIDs())
	assert.Equal(t, []uuid.UUID{job.ID}, part.ReleasedIDs())
	assert.Equal(t, []uuid.UUID{job.ID, later.ID}, part.Pending(), "released job is claimed first")
	assert.Zero(t, e.backend.CallCount())

	got, err := e.get.Execute(context.Background(), domain.LangPython, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)

	id, skipped := e.claimAndExecute(t, domain.LangPython)
	assert.False(t, skipped)
	assert.Equal(t, job.ID, id)

	got, err = e.get.Execute(context.Background(), domain.LangPython, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	e.assertNoSandboxDir(t, domain.LangPython, id)
}

func TestRunSync(t *testing.T) {
	e := newEnv(t, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		part := e.queues[domain.LangPython]
		for ctx.Err() == nil {
			id, err := part.Claim(ctx, "python-0")
			if err != nil {
				continue
			}
			_, _ = e.execute.Execute(ctx, part, id, "python-0")
		}
	}()

	job, err := e.submit.RunSync(context.Background(), &domain.SubmitRequest{
		Client:     "203.0.113.9",
		Language:   domain.LangPython,
		SourceCode: "print(input())",
		Stdin:      "hello",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, job.State)
	assert.Equal(t, "hello", job.Result.Output)

	// The retrieved job has been removed.
	got, err := e.coord.GetState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRemoved, got.State)
}

func TestRunSync_WaitTimeout(t *testing.T) {
	e := newEnv(t, 6)

	job, err := e.submit.RunSync(context.Background(), &domain.SubmitRequest{
		Client:     "203.0.113.9",
		Language:   domain.LangCpp,
		SourceCode: "int main(){}",
	}, 30*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrWaitTimeout)
	require.NotNil(t, job)
	assert.Equal(t, domain.StateQueued, job.State)

	// The job was not cancelled and can still run to completion.
	id, skipped := e.claimAndExecute(t, domain.LangCpp)
	assert.False(t, skipped)
	got, err := e.get.Execute(context.Background(), domain.LangCpp, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestGetAndRemove(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 6)
	job := e.submitJob(t, domain.LangPython, "print(1)", "")

	_, err := e.get.Execute(ctx, domain.LangCpp, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "language must match")

	err = e.remove.Execute(ctx, domain.LangPython, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotTerminal)

	e.claimAndExecute(t, domain.LangPython)

	require.NoError(t, e.remove.Execute(ctx, domain.LangPython, job.ID))
	require.NoError(t, e.remove.Execute(ctx, domain.LangPython, job.ID))

	got, err := e.get.Execute(ctx, domain.LangPython, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRemoved, got.State)

	// Once the tombstone is purged the job is gone, and removing it again
	// still succeeds.
	purged, err := e.repo.PurgeRemoved(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	_, err = e.get.Execute(ctx, domain.LangPython, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	require.NoError(t, e.remove.Execute(ctx, domain.LangPython, job.ID))

	assert.NoError(t, e.remove.Execute(ctx, domain.LangPython, uuid.New()))
}

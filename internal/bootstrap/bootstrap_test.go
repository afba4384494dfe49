package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/config"
	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	"github.com/Harsh-BH/runq/internal/ratelimit"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Redis.URL = "redis://" + redisAddr + "/0"
	cfg.Store.Backend = config.BackendRedis
	cfg.Queue.Backend = config.BackendRedis
	cfg.Queue.ClaimTimeout = time.Second
	cfg.RateLimit.Backend = config.BackendMemory
	cfg.RateLimit.MaxRequests = 2
	cfg.RateLimit.Window = time.Minute
	cfg.Worker.PoolSize = 1
	cfg.Sandbox.Backend = config.BackendDocker
	cfg.Sandbox.RootDir = t.TempDir()
	cfg.Sandbox.ExecTimeout = 5 * time.Second
	cfg.Sandbox.CPUs = 1
	cfg.Sandbox.MemoryMB = 128
	cfg.Sandbox.DockerPath = "docker"
	cfg.Sandbox.ImageCpp = "cpp-runner"
	cfg.Sandbox.ImagePython = "python-runner"
	cfg.Sandbox.NsjailPath = "/usr/bin/nsjail"
	cfg.Sandbox.NsjailConfigDir = "/etc/nsjail"
	cfg.Sandbox.NsjailEntrypoint = "/runner/run.sh"
	cfg.Job.ReapInterval = time.Second
	return cfg
}

func TestOpen_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := Open(ctx, testConfig(t, mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	defer in.Close()

	assert.Nil(t, in.DB)
	assert.Nil(t, in.Broker)
	assert.Len(t, in.Queues, len(domain.Languages()))

	var names []string
	for _, c := range in.Checks() {
		names = append(names, c.Name)
		assert.NoError(t, c.Ping(ctx), c.Name)
	}
	assert.Equal(t, []string{"redis", "store"}, names)

	job := &domain.Job{
		ID:         uuid.Must(uuid.NewV7()),
		Language:   domain.LangPython,
		SourceCode: "print(1)",
		State:      domain.StateQueued,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, in.Coord.Enqueue(ctx, job))
	got, err := in.Coord.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
}

func TestOpen_BadRedisURL(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1")
	cfg.Redis.URL = "not-a-url"

	_, err := Open(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRecoverQueues(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := Open(ctx, testConfig(t, mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	defer in.Close()

	part, err := in.Queues.For(domain.LangCpp)
	require.NoError(t, err)
	id := uuid.Must(uuid.NewV7())
	require.NoError(t, part.Add(ctx, id))
	claimed, err := part.Claim(ctx, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, id, claimed)

	in.RecoverQueues(ctx)

	depth, err := part.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestNewLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t, mr.Addr())

	l := NewLimiter(ctx, cfg, nil)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, l)

	cfg.RateLimit.Backend = config.BackendRedis
	in, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer in.Close()
	assert.IsType(t, &ratelimit.RedisLimiter{}, NewLimiter(ctx, cfg, in.Redis))
}

func TestNewBackend(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1")

	b, err := NewBackend(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &executor.DockerBackend{}, b)

	cfg.Sandbox.Backend = config.BackendNsjail
	b, err = NewBackend(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &executor.NsjailBackend{}, b)

	cfg.Sandbox.Backend = config.BackendDocker
	cfg.Sandbox.DockerExtraArgs = "--privileged"
	_, err = NewBackend(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewExecuteUsecase_SweepsStaleDirs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t, mr.Addr())

	in, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer in.Close()

	newJob := func() *domain.Job {
		job := &domain.Job{
			ID:         uuid.Must(uuid.NewV7()),
			Language:   domain.LangPython,
			SourceCode: "print(1)",
			State:      domain.StateQueued,
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, in.Coord.Enqueue(ctx, job))
		return job
	}

	// Another process on the same root is running this one.
	running := newJob()
	_, err = in.Coord.Activate(ctx, running.ID, "other-host-0")
	require.NoError(t, err)
	runningDir := filepath.Join(cfg.Sandbox.RootDir, "python", running.ID.String())
	require.NoError(t, os.MkdirAll(runningDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runningDir, "solution.py"), []byte("print(1)"), 0o644))

	// Left behind by a crash after the job was settled.
	finished := newJob()
	_, err = in.Coord.Activate(ctx, finished.ID, "crashed-0")
	require.NoError(t, err)
	require.NoError(t, in.Coord.Fail(ctx, finished.ID, domain.Failure{Kind: domain.FailureAbandoned, Message: "abandoned"}))
	finishedDir := filepath.Join(cfg.Sandbox.RootDir, "python", finished.ID.String())
	require.NoError(t, os.MkdirAll(finishedDir, 0o755))

	unknownDir := filepath.Join(cfg.Sandbox.RootDir, "cpp", uuid.NewString())
	require.NoError(t, os.MkdirAll(unknownDir, 0o755))

	uc, err := NewExecuteUsecase(ctx, cfg, in.Coord, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, uc)

	assert.FileExists(t, filepath.Join(runningDir, "solution.py"), "directory of a running job was swept")
	assert.NoDirExists(t, finishedDir)
	assert.NoDirExists(t, unknownDir)
}

// Package bootstrap connects the configured backends and assembles the
// pieces shared by the API server and the standalone workers.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/config"
	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	"github.com/Harsh-BH/runq/internal/lifecycle"
	"github.com/Harsh-BH/runq/internal/queue"
	amqpqueue "github.com/Harsh-BH/runq/internal/queue/amqp"
	redisqueue "github.com/Harsh-BH/runq/internal/queue/redis"
	"github.com/Harsh-BH/runq/internal/ratelimit"
	"github.com/Harsh-BH/runq/internal/repository"
	"github.com/Harsh-BH/runq/internal/repository/postgres"
	redisrepo "github.com/Harsh-BH/runq/internal/repository/redis"
	"github.com/Harsh-BH/runq/internal/sandbox"
	"github.com/Harsh-BH/runq/internal/usecase"
)

// Check names one dependency ping for the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Infra holds the live connections and the coordinator built on them.
type Infra struct {
	Redis    *goredis.Client
	DB       *pgxpool.Pool
	Broker   *amqpqueue.Broker
	Repo     repository.JobRepository
	Queues   queue.Set
	Notifier *lifecycle.RedisNotifier
	Coord    *lifecycle.Coordinator

	logger  *zap.Logger
	closers []func()
}

// Open connects Redis and whichever store and queue backends cfg selects.
// Redis is always required: completion notifications travel over it.
// The notifier's subscription runs until ctx is cancelled.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	in := &Infra{logger: logger}
	if err := in.open(ctx, cfg); err != nil {
		in.Close()
		return nil, err
	}
	return in, nil
}

func (in *Infra) open(ctx context.Context, cfg *config.Config) error {
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("bootstrap: parse redis url: %w", err)
	}
	in.Redis = goredis.NewClient(redisOpts)
	in.closers = append(in.closers, func() { _ = in.Redis.Close() })
	if err := in.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bootstrap: ping redis: %w", err)
	}
	in.logger.Info("Connected to Redis")

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		in.DB, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		in.closers = append(in.closers, in.DB.Close)
		if err := in.DB.Ping(ctx); err != nil {
			return fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, in.DB); err != nil {
			return err
		}
		in.Repo = postgres.NewPostgresJobRepository(in.DB)
		in.logger.Info("Connected to PostgreSQL")
	default:
		in.Repo = redisrepo.NewRedisJobRepository(in.Redis)
	}

	switch cfg.Queue.Backend {
	case config.BackendRabbitMQ:
		in.Broker, err = amqpqueue.Dial(cfg.RabbitMQ.URL, in.logger)
		if err != nil {
			return fmt.Errorf("bootstrap: connect rabbitmq: %w", err)
		}
		in.closers = append(in.closers, func() { _ = in.Broker.Close() })
		in.Queues, err = in.Broker.NewSet(cfg.Worker.PoolSize, cfg.Queue.ClaimTimeout)
		if err != nil {
			return err
		}
		in.logger.Info("Connected to RabbitMQ")
	default:
		in.Queues, err = redisqueue.NewSet(in.Redis, cfg.Queue.ClaimTimeout, in.logger)
		if err != nil {
			return err
		}
	}

	in.Notifier, err = lifecycle.NewRedisNotifier(ctx, in.Redis, in.logger)
	if err != nil {
		return err
	}
	in.closers = append(in.closers, func() { _ = in.Notifier.Close() })
	go in.Notifier.Run(ctx)

	in.Coord = lifecycle.NewCoordinator(in.Repo, in.Queues, in.Notifier, in.logger)
	return nil
}

// Checks lists a ping for every connected dependency.
func (in *Infra) Checks() []Check {
	checks := []Check{
		{Name: "redis", Ping: func(ctx context.Context) error { return in.Redis.Ping(ctx).Err() }},
		{Name: "store", Ping: in.Coord.Ping},
	}
	if in.Broker != nil {
		checks = append(checks, Check{Name: "rabbitmq", Ping: in.Broker.Ping})
	}
	return checks
}

// RecoverQueues hands ids stranded by a crashed worker back to their Redis
// partitions. Other queue backends redeliver on their own.
func (in *Infra) RecoverQueues(ctx context.Context) {
	for lang, part := range in.Queues {
		p, ok := part.(*redisqueue.Partition)
		if !ok {
			continue
		}
		if _, err := p.Recover(ctx); err != nil {
			in.logger.Warn("Failed to recover in-flight jobs", zap.String("language", string(lang)), zap.Error(err))
		}
	}
}

// Close releases connections in reverse order of opening.
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// NewLimiter builds the admission rate limiter. The in-memory limiter's
// janitor runs until ctx is cancelled.
func NewLimiter(ctx context.Context, cfg *config.Config, client *goredis.Client) ratelimit.Limiter {
	if cfg.RateLimit.Backend == config.BackendMemory {
		l := ratelimit.NewMemoryLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		go l.Run(ctx)
		return l
	}
	return ratelimit.NewRedisLimiter(client, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
}

// NewBackend builds the configured execution backend.
func NewBackend(cfg *config.Config, logger *zap.Logger) (executor.Backend, error) {
	limits := executor.Limits{
		CPUs:      cfg.Sandbox.CPUs,
		MemoryMB:  cfg.Sandbox.MemoryMB,
		PidsLimit: cfg.Sandbox.PidsLimit,
		Timeout:   cfg.Sandbox.ExecTimeout,
	}
	if cfg.Sandbox.Backend == config.BackendNsjail {
		b, err := executor.NewNsjailBackend(executor.NsjailConfig{
			NsjailPath: cfg.Sandbox.NsjailPath,
			ConfigDir:  cfg.Sandbox.NsjailConfigDir,
			Entrypoint: cfg.Sandbox.NsjailEntrypoint,
		}, limits, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := executor.NewDockerBackend(executor.DockerConfig{
		DockerPath: cfg.Sandbox.DockerPath,
		Images: map[domain.Language]string{
			domain.LangCpp:    cfg.Sandbox.ImageCpp,
			domain.LangPython: cfg.Sandbox.ImagePython,
		},
		ExtraArgs: cfg.Sandbox.DockerExtraArgs,
	}, limits, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewExecuteUsecase prepares the sandbox root, removes directories left by
// a previous crash and builds the worker pipeline. Directories of jobs that
// are still active survive the sweep, since another process on the same root
// may be running them.
func NewExecuteUsecase(ctx context.Context, cfg *config.Config, coord *lifecycle.Coordinator, logger *zap.Logger) (*usecase.ExecuteJobUsecase, error) {
	sandboxes, err := sandbox.NewManager(cfg.Sandbox.RootDir, logger)
	if err != nil {
		return nil, err
	}
	if n, err := sandboxes.Sweep(stillActive(ctx, coord, logger)); err != nil {
		logger.Warn("Failed to sweep sandbox root", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale sandbox directories", zap.Int("count", n))
	}

	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return usecase.NewExecuteJobUsecase(coord, sandboxes, backend, logger), nil
}

// stillActive reports whether a sandbox directory's job may still be running.
// Lookup errors other than not-found keep the directory.
func stillActive(ctx context.Context, coord *lifecycle.Coordinator, logger *zap.Logger) func(domain.Language, uuid.UUID) bool {
	return func(lang domain.Language, id uuid.UUID) bool {
		job, err := coord.GetState(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			return false
		}
		if err != nil {
			logger.Warn("Keeping sandbox directory of unknown job",
				zap.String("job_id", id.String()),
				zap.String("language", string(lang)),
				zap.Error(err),
			)
			return true
		}
		return job.State == domain.StateActive
	}
}

// NewReaper builds the retention and abandonment sweeper from cfg.
func NewReaper(cfg *config.Config, coord *lifecycle.Coordinator, logger *zap.Logger) *lifecycle.Reaper {
	return lifecycle.NewReaper(coord, lifecycle.ReaperConfig{
		Interval:     cfg.Job.ReapInterval,
		Retention:    cfg.Job.Retention,
		AbandonAfter: cfg.Sandbox.ExecTimeout + cfg.Job.AbandonGrace,
		TombstoneTTL: cfg.Job.TombstoneTTL,
	}, logger)
}

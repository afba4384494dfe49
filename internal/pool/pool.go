package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/queue"
	"github.com/Harsh-BH/runq/internal/usecase"
)

// errorBackoff is the pause after a failed claim or execution before the
// worker claims again.
const errorBackoff = time.Second

// ErrDrainTimeout is returned by Manager.Shutdown when in-flight jobs did not
// finish within the drain timeout.
var ErrDrainTimeout = errors.New("pool: drain timeout exceeded")

// WorkerPool runs a fixed number of workers against one language partition.
// Each worker processes one job at a time.
type WorkerPool struct {
	size      int
	part      queue.Partition
	executeUC *usecase.ExecuteJobUsecase
	instance  string
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewWorkerPool creates a new fixed-size worker pool. instance prefixes
// worker ids so claims from different processes can be told apart.
func NewWorkerPool(size int, part queue.Partition, executeUC *usecase.ExecuteJobUsecase, instance string, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:      size,
		part:      part,
		executeUC: executeUC,
		instance:  instance,
		logger:    logger.With(zap.String("language", string(part.Language()))),
	}
}

// Start launches all worker goroutines. Cancelling ctx stops claiming; jobs
// already claimed run to completion. Call Stop to wait for them.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("pool_size", p.size))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for all workers to finish their current jobs and exit.
func (p *WorkerPool) Stop() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) workerID(n int) string {
	return fmt.Sprintf("%s/%s-%d", p.instance, p.part.Language(), n)
}

func (p *WorkerPool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	id := p.workerID(n)
	p.logger.Debug("Worker started", zap.String("worker_id", id))

	for ctx.Err() == nil {
		p.processOne(ctx, id)
	}
	p.logger.Debug("Worker shutting down", zap.String("worker_id", id))
}

// processOne claims and executes at most one job. A job that has been
// claimed is always processed, even if ctx is cancelled meanwhile.
func (p *WorkerPool) processOne(ctx context.Context, workerID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				zap.String("worker_id", workerID),
				zap.Any("panic", r),
			)
		}
	}()

	// Claim blocks for at most the partition's claim timeout. Cancelling it
	// midway could lose an id the broker already handed out.
	jobID, err := p.part.Claim(context.WithoutCancel(ctx), workerID)
	if errors.Is(err, queue.ErrEmpty) {
		return
	}
	if err != nil {
		p.logger.Error("Failed to claim job", zap.String("worker_id", workerID), zap.Error(err))
		backoff(ctx)
		return
	}

	p.logger.Info("Worker processing job",
		zap.String("worker_id", workerID),
		zap.String("job_id", jobID.String()),
	)

	// In-flight work is bounded by the supervisory timeout, not by shutdown.
	skipped, err := p.executeUC.Execute(context.WithoutCancel(ctx), p.part, jobID, workerID)
	if err != nil {
		p.logger.Error("Job execution failed",
			zap.String("worker_id", workerID),
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		backoff(ctx)
		return
	}
	if skipped {
		p.logger.Debug("Duplicate job skipped",
			zap.String("worker_id", workerID),
			zap.String("job_id", jobID.String()),
		)
	}
}

func backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(errorBackoff):
	}
}

// Manager owns one pool per language, starts them together and drains them
// on shutdown.
type Manager struct {
	pools        []*WorkerPool
	drainTimeout time.Duration
	logger       *zap.Logger
	cancel       context.CancelFunc
}

// NewManager creates a pool of size workers for every partition in queues.
func NewManager(queues queue.Set, executeUC *usecase.ExecuteJobUsecase, size int, instance string, drainTimeout time.Duration, logger *zap.Logger) *Manager {
	m := &Manager{drainTimeout: drainTimeout, logger: logger}
	for _, part := range queues {
		m.pools = append(m.pools, NewWorkerPool(size, part, executeUC, instance, logger))
	}
	return m
}

// Start launches every pool.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, p := range m.pools {
		p.Start(ctx)
	}
}

// Shutdown stops claiming and waits for in-flight jobs for at most the
// drain timeout.
func (m *Manager) Shutdown() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			p.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All worker pools drained")
		return nil
	case <-time.After(m.drainTimeout):
		m.logger.Warn("Worker pools did not drain in time", zap.Duration("drain_timeout", m.drainTimeout))
		return ErrDrainTimeout
	}
}

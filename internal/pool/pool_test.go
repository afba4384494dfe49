package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	emock "github.com/Harsh-BH/runq/internal/executor/mock"
	"github.com/Harsh-BH/runq/internal/lifecycle"
	"github.com/Harsh-BH/runq/internal/pool"
	"github.com/Harsh-BH/runq/internal/queue"
	qmock "github.com/Harsh-BH/runq/internal/queue/mock"
	rmock "github.com/Harsh-BH/runq/internal/repository/mock"
	"github.com/Harsh-BH/runq/internal/sandbox"
	"github.com/Harsh-BH/runq/internal/usecase"
)

type harness struct {
	coord   *lifecycle.Coordinator
	queues  queue.Set
	backend *emock.Backend
	uc      *usecase.ExecuteJobUsecase
}

func newHarness(t *testing.T, backend *emock.Backend) *harness {
	t.Helper()
	logger := zap.NewNop()
	repo := rmock.NewMockJobRepository()
	queues := qmock.NewSet()
	coord := lifecycle.NewCoordinator(repo, queues, lifecycle.NewHub(), logger)
	sandboxes, err := sandbox.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new sandbox manager: %v", err)
	}
	return &harness{
		coord:   coord,
		queues:  queues,
		backend: backend,
		uc:      usecase.NewExecuteJobUsecase(coord, sandboxes, backend, logger),
	}
}

func (h *harness) enqueue(t *testing.T, lang domain.Language) uuid.UUID {
	t.Helper()
	job := &domain.Job{ID: uuid.Must(uuid.NewV7()), Language: lang, SourceCode: "code"}
	if err := h.coord.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job.ID
}

func (h *harness) waitTerminal(t *testing.T, ids []uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job, err := h.coord.Await(ctx, id)
		cancel()
		if err != nil {
			t.Fatalf("await %s: %v", id, err)
		}
		if !job.State.IsTerminal() {
			t.Fatalf("job %s not terminal: %s", id, job.State)
		}
	}
}

// Test: a single worker processes its partition in admission order.
func TestPool_SingleWorkerFIFO(t *testing.T) {
	var (
		mu    sync.Mutex
		order []uuid.UUID
	)
	backend := &emock.Backend{RunFn: func(ctx context.Context, dir *sandbox.Dir, lang domain.Language) executor.Outcome {
		mu.Lock()
		order = append(order, dir.JobID)
		mu.Unlock()
		return emock.Echo(1)(ctx, dir, lang)
	}}
	h := newHarness(t, backend)

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		want = append(want, h.enqueue(t, domain.LangPython))
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := pool.NewWorkerPool(1, h.queues[domain.LangPython], h.uc, "test", zap.NewNop())
	wp.Start(ctx)

	h.waitTerminal(t, want)
	cancel()
	wp.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

// Test: each job runs exactly once with several workers.
func TestPool_EachJobRunsOnce(t *testing.T) {
	backend := &emock.Backend{RunFn: emock.Echo(1)}
	h := newHarness(t, backend)

	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		ids = append(ids, h.enqueue(t, domain.LangCpp))
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := pool.NewWorkerPool(4, h.queues[domain.LangCpp], h.uc, "test", zap.NewNop())
	wp.Start(ctx)

	h.waitTerminal(t, ids)
	cancel()
	wp.Stop()

	if got := backend.CallCount(); got != len(ids) {
		t.Errorf("expected %d backend runs, got %d", len(ids), got)
	}
	acked := h.queues[domain.LangCpp].(*qmock.Partition).AckedIDs()
	if len(acked) != len(ids) {
		t.Errorf("expected %d ACKs, got %d", len(ids), len(acked))
	}
}

// Test: shutdown lets the in-flight job finish.
func TestManager_GracefulShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &emock.Backend{RunFn: func(ctx context.Context, dir *sandbox.Dir, lang domain.Language) executor.Outcome {
		close(started)
		<-release
		return emock.Echo(1)(ctx, dir, lang)
	}}
	h := newHarness(t, backend)
	id := h.enqueue(t, domain.LangPython)

	m := pool.NewManager(h.queues, h.uc, 1, "test", 5*time.Second, zap.NewNop())
	m.Start(context.Background())
	<-started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- m.Shutdown() }()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-shutdownErr; err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	job, err := h.coord.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if job.State != domain.StateCompleted {
		t.Errorf("expected in-flight job to complete, got %s", job.State)
	}
}

// Test: shutdown gives up after the drain timeout.
func TestManager_DrainTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	backend := &emock.Backend{RunFn: func(ctx context.Context, dir *sandbox.Dir, lang domain.Language) executor.Outcome {
		close(started)
		<-release
		return executor.Outcome{Kind: executor.TimedOut}
	}}
	h := newHarness(t, backend)
	h.enqueue(t, domain.LangCpp)

	m := pool.NewManager(h.queues, h.uc, 1, "test", 50*time.Millisecond, zap.NewNop())
	m.Start(context.Background())
	<-started

	if err := m.Shutdown(); err != pool.ErrDrainTimeout {
		t.Errorf("expected ErrDrainTimeout, got %v", err)
	}
}

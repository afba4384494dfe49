package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/repository"
)

// Ensure MockJobRepository implements repository.JobRepository.
var _ repository.JobRepository = (*MockJobRepository)(nil)

// MockJobRepository is an in-memory job repository for testing. It honours
// the same compare-and-set rules as the real stores.
type MockJobRepository struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*domain.Job
	removedAt map[uuid.UUID]time.Time

	// Hook functions for injecting errors
	CreateFunc   func(ctx context.Context, job *domain.Job) error
	ActivateFunc func(ctx context.Context, id uuid.UUID, workerID string) error
	FinishFunc   func(ctx context.Context, id uuid.UUID, outcome repository.Outcome) error
	PingFunc     func(ctx context.Context) error

	// Recorded calls for assertions.
	Deleted []uuid.UUID
}

// NewMockJobRepository creates a new mock repository.
func NewMockJobRepository() *MockJobRepository {
	return &MockJobRepository{
		jobs:      make(map[uuid.UUID]*domain.Job),
		removedAt: make(map[uuid.UUID]time.Time),
	}
}

// Len returns the number of stored records, tombstones included.
func (m *MockJobRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *MockJobRepository) Create(ctx context.Context, job *domain.Job) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, job); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.State = domain.StateQueued
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MockJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (m *MockJobRepository) Activate(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (*domain.Job, error) {
	if m.ActivateFunc != nil {
		if err := m.ActivateFunc(ctx, id, workerID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != domain.StateQueued {
		return nil, &domain.TransitionError{From: domain.StateQueued, To: domain.StateActive, Current: job.State}
	}
	job.State = domain.StateActive
	job.ClaimedBy = workerID
	job.ActivatedAt = &at
	return copyJob(job), nil
}

func (m *MockJobRepository) Finish(ctx context.Context, id uuid.UUID, outcome repository.Outcome, at time.Time) (*domain.Job, error) {
	if m.FinishFunc != nil {
		if err := m.FinishFunc(ctx, id, outcome); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != domain.StateActive || !job.State.CanTransition(outcome.State) {
		return nil, &domain.TransitionError{From: domain.StateActive, To: outcome.State, Current: job.State}
	}
	job.State = outcome.State
	job.Result = outcome.Result
	job.Failure = outcome.Failure
	job.ClaimedBy = ""
	job.FinishedAt = &at
	return copyJob(job), nil
}

func (m *MockJobRepository) Remove(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State == domain.StateRemoved {
		return nil
	}
	if !job.State.IsTerminal() {
		return &domain.TransitionError{From: job.State, To: domain.StateRemoved, Current: job.State}
	}
	m.jobs[id] = &domain.Job{
		ID:         job.ID,
		Language:   job.Language,
		State:      domain.StateRemoved,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	m.removedAt[id] = at
	return nil
}

func (m *MockJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.removedAt, id)
	m.Deleted = append(m.Deleted, id)
	return nil
}

func (m *MockJobRepository) ListFinishedBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	return m.listBefore(limit, func(j *domain.Job) (time.Time, bool) {
		if !j.State.IsTerminal() || j.FinishedAt == nil {
			return time.Time{}, false
		}
		return *j.FinishedAt, j.FinishedAt.Before(t)
	}), nil
}

func (m *MockJobRepository) ListActiveBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	return m.listBefore(limit, func(j *domain.Job) (time.Time, bool) {
		if j.State != domain.StateActive || j.ActivatedAt == nil {
			return time.Time{}, false
		}
		return *j.ActivatedAt, j.ActivatedAt.Before(t)
	}), nil
}

func (m *MockJobRepository) listBefore(limit int, match func(*domain.Job) (time.Time, bool)) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		id uuid.UUID
		at time.Time
	}
	var entries []entry
	for id, j := range m.jobs {
		if at, ok := match(j); ok {
			entries = append(entries, entry{id, at})
		}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].at.Before(entries[b].at) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (m *MockJobRepository) PurgeRemoved(ctx context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, at := range m.removedAt {
		if at.Before(t) {
			delete(m.jobs, id)
			delete(m.removedAt, id)
			n++
		}
	}
	return n, nil
}

func (m *MockJobRepository) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	return &c
}

package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/queue"
)

var _ queue.Partition = (*Partition)(nil)

// Partition is an in-memory FIFO test double for queue.Partition.
type Partition struct {
	Lang domain.Language
	// ClaimTimeout bounds how long Claim waits. Defaults to 20ms.
	ClaimTimeout time.Duration

	AddFn func(ctx context.Context, id uuid.UUID) error

	mu      sync.Mutex
	pending []uuid.UUID
	notify  chan struct{}

	// Recorded calls for assertions.
	Claims   []Claim
	Acks     []uuid.UUID
	Releases []uuid.UUID
	Removes  []uuid.UUID
}

type Claim struct {
	ID       uuid.UUID
	WorkerID string
}

// NewPartition returns an empty partition for lang.
func NewPartition(lang domain.Language) *Partition {
	return &Partition{Lang: lang, notify: make(chan struct{}, 1)}
}

// NewSet returns an empty partition for every supported language.
func NewSet() queue.Set {
	s := make(queue.Set)
	for _, lang := range domain.Languages() {
		s[lang] = NewPartition(lang)
	}
	return s
}

func (p *Partition) Language() domain.Language { return p.Lang }

func (p *Partition) Add(ctx context.Context, id uuid.UUID) error {
	if p.AddFn != nil {
		if err := p.AddFn(ctx, id); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.pending = append(p.pending, id)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Partition) Claim(ctx context.Context, workerID string) (uuid.UUID, error) {
	timeout := p.ClaimTimeout
	if timeout == 0 {
		timeout = 20 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			id := p.pending[0]
			p.pending = p.pending[1:]
			p.Claims = append(p.Claims, Claim{ID: id, WorkerID: workerID})
			more := len(p.pending) > 0
			p.mu.Unlock()
			if more {
				select {
				case p.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-deadline.C:
			return uuid.Nil, queue.ErrEmpty
		case <-p.notify:
		}
	}
}

func (p *Partition) Ack(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Acks = append(p.Acks, id)
	return nil
}

func (p *Partition) Release(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	p.Releases = append(p.Releases, id)
	p.pending = append([]uuid.UUID{id}, p.pending...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Partition) Remove(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Removes = append(p.Removes, id)
	kept := p.pending[:0]
	for _, pending := range p.pending {
		if pending != id {
			kept = append(kept, pending)
		}
	}
	p.pending = kept
	return nil
}

func (p *Partition) Depth(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.pending)), nil
}

// Pending returns a copy of the waiting ids, oldest first.
func (p *Partition) Pending() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.pending...)
}

// ReleasedIDs returns a copy of the released ids.
func (p *Partition) ReleasedIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.Releases...)
}

// AckedIDs returns a copy of the acked ids.
func (p *Partition) AckedIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.Acks...)
}

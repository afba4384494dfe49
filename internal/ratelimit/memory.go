package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a sliding-log limiter kept in process memory. It is only
// correct when a single API instance admits submissions.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
}

// NewMemoryLimiter creates a limiter allowing limit requests per window per key.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key, now)

	if len(hits) >= l.limit {
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: hits[0].Add(l.window).Sub(now),
		}, nil
	}

	hits = append(hits, now)
	l.clients[key] = hits
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - len(hits)}, nil
}

// prune drops hits that left the window. Callers hold l.mu.
func (l *MemoryLimiter) prune(key string, now time.Time) []time.Time {
	hits := l.clients[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(l.clients, key)
	}
	return hits
}

// Run removes idle clients every window until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key := range l.clients {
				l.prune(key, now)
			}
			l.mu.Unlock()
		}
	}
}

// Package ratelimit implements the per-client admission quota: a fixed
// number of accepted submissions per sliding time window.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client may submit another job. A call that
// returns Allowed has already consumed one unit of the client's quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

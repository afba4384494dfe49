// Package queue defines the per-language partition a worker pool claims
// job ids from. Partitions carry ids only; the job record lives in the
// repository.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Harsh-BH/runq/internal/domain"
)

// ErrEmpty is returned by Claim when nothing arrived within the claim timeout.
var ErrEmpty = errors.New("queue: partition empty")

// Partition is an ordered, durable handoff point for one language.
type Partition interface {
	Language() domain.Language

	// Add appends id to the tail of the partition.
	Add(ctx context.Context, id uuid.UUID) error

	// Claim hands the oldest id to exactly one caller. It blocks for at most
	// the partition's claim timeout and returns ErrEmpty if nothing arrived.
	Claim(ctx context.Context, workerID string) (uuid.UUID, error)

	// Ack tells the broker the claimed id has been fully processed.
	Ack(ctx context.Context, id uuid.UUID) error

	// Release hands a claimed but unprocessed id back so it is claimed again
	// before anything admitted after it.
	Release(ctx context.Context, id uuid.UUID) error

	// Remove deletes whatever broker state is left for id. It is idempotent.
	Remove(ctx context.Context, id uuid.UUID) error

	// Depth reports how many ids are waiting to be claimed.
	Depth(ctx context.Context) (int64, error)
}

// Set holds one partition per supported language.
type Set map[domain.Language]Partition

// NewSet builds a Set and fails if any supported language has no partition.
func NewSet(partitions ...Partition) (Set, error) {
	s := make(Set, len(partitions))
	for _, p := range partitions {
		if _, dup := s[p.Language()]; dup {
			return nil, fmt.Errorf("queue: duplicate partition for %s", p.Language())
		}
		s[p.Language()] = p
	}
	for _, lang := range domain.Languages() {
		if _, ok := s[lang]; !ok {
			return nil, fmt.Errorf("queue: no partition for %s", lang)
		}
	}
	return s, nil
}

// For returns the partition for lang.
func (s Set) For(lang domain.Language) (Partition, error) {
	p, ok := s[lang]
	if !ok {
		return nil, fmt.Errorf("queue: %w", domain.ErrInvalidLanguage)
	}
	return p, nil
}

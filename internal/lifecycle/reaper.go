package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/metrics"
	"github.com/Harsh-BH/runq/internal/repository"
)

const defaultReapBatch = 500

// ReaperConfig bounds how long jobs linger.
type ReaperConfig struct {
	Interval time.Duration
	// Retention is how long a terminal job stays retrievable before it is
	// removed. Zero keeps terminal jobs until a client removes them.
	Retention time.Duration
	// AbandonAfter is how long a job may stay active before it is failed as
	// abandoned. It must exceed the supervisory execution timeout.
	AbandonAfter time.Duration
	// TombstoneTTL is how long removed jobs answer status queries.
	TombstoneTTL time.Duration
	BatchSize    int
}

// ReapStats reports what one pass did.
type ReapStats struct {
	Abandoned int
	Removed   int
	Purged    int64
}

// Reaper bounds storage growth and resolves jobs whose worker died.
// Running several reapers at once is safe: every action is a
// compare-and-set through the Coordinator.
type Reaper struct {
	coord  *Coordinator
	repo   repository.JobRepository
	cfg    ReaperConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewReaper creates a new Reaper.
func NewReaper(coord *Coordinator, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReapBatch
	}
	return &Reaper{
		coord:  coord,
		repo:   coord.repo,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run reaps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("retention", r.cfg.Retention),
		zap.Duration("abandon_after", r.cfg.AbandonAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			stats, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Reap pass failed", zap.Error(err))
			}
			if stats.Abandoned+stats.Removed > 0 || stats.Purged > 0 {
				r.logger.Info("Reap pass finished",
					zap.Int("abandoned", stats.Abandoned),
					zap.Int("removed", stats.Removed),
					zap.Int64("purged", stats.Purged),
				)
			}
		}
	}
}

// RunOnce performs one pass: abandon stuck jobs, remove expired results,
// purge old tombstones and sample queue depth.
func (r *Reaper) RunOnce(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	now := r.now()

	if r.cfg.AbandonAfter > 0 {
		ids, err := r.repo.ListActiveBefore(ctx, now.Add(-r.cfg.AbandonAfter), r.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			err := r.coord.Fail(ctx, id, domain.Failure{
				Kind:    domain.FailureAbandoned,
				Message: "worker was lost before the job finished",
			})
			switch {
			case err == nil:
				stats.Abandoned++
				metrics.ReapedJobs.WithLabelValues("abandoned").Inc()
				r.logger.Warn("Failed abandoned job", zap.String("job_id", id.String()))
			case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
				// Finished or removed since the listing.
			default:
				return stats, err
			}
		}
	}

	if r.cfg.Retention > 0 {
		ids, err := r.repo.ListFinishedBefore(ctx, now.Add(-r.cfg.Retention), r.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			err := r.coord.Remove(ctx, id)
			switch {
			case err == nil:
				stats.Removed++
				metrics.ReapedJobs.WithLabelValues("removed").Inc()
			case errors.Is(err, domain.ErrJobNotFound):
			default:
				return stats, err
			}
		}
	}

	purged, err := r.repo.PurgeRemoved(ctx, now.Add(-r.cfg.TombstoneTTL))
	if err != nil {
		return stats, err
	}
	stats.Purged = purged
	metrics.ReapedJobs.WithLabelValues("purged").Add(float64(purged))

	for lang, part := range r.coord.queues {
		if depth, err := part.Depth(ctx); err == nil {
			metrics.QueueDepth.WithLabelValues(string(lang)).Set(float64(depth))
		}
	}
	return stats, nil
}

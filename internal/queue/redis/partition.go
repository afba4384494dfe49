package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/queue"
)

var _ queue.Partition = (*Partition)(nil)

const keyPrefix = "runq:queue:"

// recoverScript moves the newest in-flight id onto the claim end of the
// pending list. Repeated calls leave the oldest id at the claim end, so
// recovered ids are claimed in admission order and before anything newer.
var recoverScript = goredis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then return false end
redis.call('RPUSH', KEYS[2], id)
return id
`)

// releaseScript moves one claimed id from the in-flight list back onto the
// claim end of the pending list.
var releaseScript = goredis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then return 0 end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// Partition is a Redis list pair per language. Ids are LPUSHed onto the
// pending list and claimed from its other end with BRPOPLPUSH, which moves
// them atomically onto the in-flight list until acked.
type Partition struct {
	client       *goredis.Client
	lang         domain.Language
	pending      string
	inflight     string
	claimTimeout time.Duration
	logger       *zap.Logger
}

// NewPartition creates the Redis partition for lang. claimTimeout is rounded
// up to whole seconds by Redis.
func NewPartition(client *goredis.Client, lang domain.Language, claimTimeout time.Duration, logger *zap.Logger) *Partition {
	if claimTimeout < time.Second {
		claimTimeout = time.Second
	}
	return &Partition{
		client:       client,
		lang:         lang,
		pending:      keyPrefix + string(lang) + ":pending",
		inflight:     keyPrefix + string(lang) + ":inflight",
		claimTimeout: claimTimeout,
		logger:       logger,
	}
}

// NewSet creates one partition per supported language.
func NewSet(client *goredis.Client, claimTimeout time.Duration, logger *zap.Logger) (queue.Set, error) {
	var parts []queue.Partition
	for _, lang := range domain.Languages() {
		parts = append(parts, NewPartition(client, lang, claimTimeout, logger))
	}
	return queue.NewSet(parts...)
}

func (p *Partition) Language() domain.Language { return p.lang }

func (p *Partition) Add(ctx context.Context, id uuid.UUID) error {
	if err := p.client.LPush(ctx, p.pending, id.String()).Err(); err != nil {
		return fmt.Errorf("redis queue: add to %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Claim(ctx context.Context, workerID string) (uuid.UUID, error) {
	raw, err := p.client.BRPopLPush(ctx, p.pending, p.inflight, p.claimTimeout).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, queue.ErrEmpty
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("redis queue: claim from %s: %w", p.lang, err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		p.logger.Error("Dropping malformed queue entry",
			zap.String("language", string(p.lang)),
			zap.String("entry", raw),
			zap.String("worker_id", workerID),
		)
		_ = p.client.LRem(ctx, p.inflight, 1, raw).Err()
		return uuid.Nil, queue.ErrEmpty
	}
	return id, nil
}

func (p *Partition) Ack(ctx context.Context, id uuid.UUID) error {
	if err := p.client.LRem(ctx, p.inflight, 1, id.String()).Err(); err != nil {
		return fmt.Errorf("redis queue: ack on %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Release(ctx context.Context, id uuid.UUID) error {
	if err := releaseScript.Run(ctx, p.client, []string{p.inflight, p.pending}, id.String()).Err(); err != nil {
		return fmt.Errorf("redis queue: release on %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := p.client.TxPipeline()
	pipe.LRem(ctx, p.pending, 0, id.String())
	pipe.LRem(ctx, p.inflight, 0, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue: remove from %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Depth(ctx context.Context) (int64, error) {
	n, err := p.client.LLen(ctx, p.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: depth of %s: %w", p.lang, err)
	}
	return n, nil
}

// Recover returns ids stranded on the in-flight list by a crashed process to
// the front of the pending list. Activation is a compare-and-set, so an id
// that was already being executed is skipped when claimed again.
func (p *Partition) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := recoverScript.Run(ctx, p.client, []string{p.inflight, p.pending}).Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("redis queue: recover %s: %w", p.lang, err)
		}
		n++
	}
	if n > 0 {
		p.logger.Warn("Recovered in-flight queue entries",
			zap.String("language", string(p.lang)),
			zap.Int("count", n),
		)
	}
	return n, nil
}

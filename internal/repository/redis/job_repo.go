package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/repository"
)

var _ repository.JobRepository = (*redisJobRepo)(nil)

const (
	jobKeyPrefix = "runq:job:"
	activeSetKey = "runq:jobs:active"
	finishedKey  = "runq:jobs:finished"
	removedKey   = "runq:jobs:removed"
)

// Hash fields of a job record.
const (
	fLanguage    = "language"
	fClient      = "client"
	fSource      = "source_code"
	fStdin       = "stdin"
	fState       = "state"
	fOutput      = "output"
	fExecMs      = "execution_time_ms"
	fFailKind    = "failure_kind"
	fFailMsg     = "failure_message"
	fClaimedBy   = "claimed_by"
	fCreatedAt   = "created_at"
	fActivatedAt = "activated_at"
	fFinishedAt  = "finished_at"
)

// Script replies start with a status code.
const (
	replyNotFound = -1
	replyRefused  = 0
	replyOK       = 1
)

// appendHash is shared by the transition scripts: on success they reply
// {1, field, value, ...} with the record as it stands after the write.
const appendHash = `
local out = {1}
local h = redis.call('HGETALL', KEYS[1])
for i = 1, #h do out[#out + 1] = h[i] end
return out
`

var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// KEYS: job, active set. ARGV: worker id, activated_at ms, job id.
var activateScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {-1} end
if state ~= 'queued' then return {0, state} end
redis.call('HSET', KEYS[1], 'state', 'active', 'claimed_by', ARGV[1], 'activated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
` + appendHash)

// KEYS: job, active set, finished set. ARGV: finished_at ms, job id, state,
// then field/value pairs of the outcome.
var finishScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {-1} end
if state ~= 'active' then return {0, state} end
local fields = {'state', ARGV[3], 'finished_at', ARGV[1]}
for i = 4, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('HDEL', KEYS[1], 'claimed_by')
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
` + appendHash)

// KEYS: job, finished set, removed set. ARGV: removed_at ms, job id.
var removeScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {-1} end
if state == 'removed' then return {1} end
if state ~= 'completed' and state ~= 'failed' then return {0, state} end
redis.call('HDEL', KEYS[1], 'source_code', 'stdin', 'output', 'failure_message', 'client')
redis.call('HSET', KEYS[1], 'state', 'removed', 'finished_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
return {1}
`)

// KEYS: removed set. ARGV: cutoff ms, key prefix.
var purgeScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

type redisJobRepo struct {
	client *goredis.Client
}

// NewRedisJobRepository creates a Redis-backed job repository. Each job is a
// hash; sorted sets index active, finished and removed jobs by time so the
// reaper never scans the keyspace.
func NewRedisJobRepository(client *goredis.Client) repository.JobRepository {
	return &redisJobRepo{client: client}
}

func jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

func (r *redisJobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.State = domain.StateQueued

	ok, err := createScript.Run(ctx, r.client, []string{jobKey(job.ID)},
		fLanguage, string(job.Language),
		fClient, job.Client,
		fSource, job.SourceCode,
		fStdin, job.Stdin,
		fState, string(job.State),
		fCreatedAt, formatMillis(job.CreatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: create job: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("redis: create job: %s already exists", job.ID)
	}
	return nil
}

func (r *redisJobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	h, err := r.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get job: %w", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return decodeJob(id, h)
}

func (r *redisJobRepo) Activate(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (*domain.Job, error) {
	reply, err := activateScript.Run(ctx, r.client,
		[]string{jobKey(id), activeSetKey},
		workerID, formatMillis(at), id.String(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: activate job: %w", err)
	}
	return r.transitionReply(id, reply, domain.StateQueued, domain.StateActive)
}

func (r *redisJobRepo) Finish(ctx context.Context, id uuid.UUID, outcome repository.Outcome, at time.Time) (*domain.Job, error) {
	args := []interface{}{formatMillis(at), id.String(), string(outcome.State)}
	switch outcome.State {
	case domain.StateCompleted:
		if outcome.Result == nil {
			return nil, fmt.Errorf("redis: finish job: completed without result")
		}
		args = append(args,
			fOutput, outcome.Result.Output,
			fExecMs, strconv.FormatInt(outcome.Result.ExecutionTimeMs, 10),
		)
	case domain.StateFailed:
		if outcome.Failure == nil {
			return nil, fmt.Errorf("redis: finish job: failed without failure")
		}
		args = append(args,
			fFailKind, string(outcome.Failure.Kind),
			fFailMsg, outcome.Failure.Message,
		)
	default:
		return nil, &domain.TransitionError{From: domain.StateActive, To: outcome.State, Current: domain.StateActive}
	}

	reply, err := finishScript.Run(ctx, r.client,
		[]string{jobKey(id), activeSetKey, finishedKey}, args...,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: finish job: %w", err)
	}
	return r.transitionReply(id, reply, domain.StateActive, outcome.State)
}

func (r *redisJobRepo) Remove(ctx context.Context, id uuid.UUID, at time.Time) error {
	reply, err := removeScript.Run(ctx, r.client,
		[]string{jobKey(id), finishedKey, removedKey},
		formatMillis(at), id.String(),
	).Slice()
	if err != nil {
		return fmt.Errorf("redis: remove job: %w", err)
	}
	code, current, err := replyStatus(reply)
	if err != nil {
		return fmt.Errorf("redis: remove job: %w", err)
	}
	switch code {
	case replyNotFound:
		return domain.ErrJobNotFound
	case replyRefused:
		return &domain.TransitionError{From: domain.State(current), To: domain.StateRemoved, Current: domain.State(current)}
	}
	return nil
}

func (r *redisJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, activeSetKey, id.String())
	pipe.ZRem(ctx, finishedKey, id.String())
	pipe.ZRem(ctx, removedKey, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete job: %w", err)
	}
	return nil
}

func (r *redisJobRepo) ListFinishedBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	return r.listBefore(ctx, finishedKey, t, limit)
}

func (r *redisJobRepo) ListActiveBefore(ctx context.Context, t time.Time, limit int) ([]uuid.UUID, error) {
	return r.listBefore(ctx, activeSetKey, t, limit)
}

func (r *redisJobRepo) listBefore(ctx context.Context, key string, t time.Time, limit int) ([]uuid.UUID, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + formatMillis(t),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", key, err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *redisJobRepo) PurgeRemoved(ctx context.Context, t time.Time) (int64, error) {
	n, err := purgeScript.Run(ctx, r.client, []string{removedKey}, formatMillis(t), jobKeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: purge removed: %w", err)
	}
	return n, nil
}

func (r *redisJobRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisJobRepo) transitionReply(id uuid.UUID, reply []interface{}, from, to domain.State) (*domain.Job, error) {
	code, current, err := replyStatus(reply)
	if err != nil {
		return nil, fmt.Errorf("redis: %s job: %w", to, err)
	}
	switch code {
	case replyNotFound:
		return nil, domain.ErrJobNotFound
	case replyRefused:
		return nil, &domain.TransitionError{From: from, To: to, Current: domain.State(current)}
	}

	h := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		h[k] = v
	}
	return decodeJob(id, h)
}

func replyStatus(reply []interface{}) (code int64, current string, err error) {
	if len(reply) == 0 {
		return 0, "", errors.New("empty script reply")
	}
	code, ok := reply[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script reply %T", reply[0])
	}
	if code == replyRefused && len(reply) > 1 {
		current, _ = reply[1].(string)
	}
	return code, current, nil
}

func decodeJob(id uuid.UUID, h map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		ID:         id,
		Language:   domain.Language(h[fLanguage]),
		Client:     h[fClient],
		SourceCode: h[fSource],
		Stdin:      h[fStdin],
		State:      domain.State(h[fState]),
		ClaimedBy:  h[fClaimedBy],
	}

	var err error
	if job.CreatedAt, err = parseMillis(h[fCreatedAt]); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", fCreatedAt, err)
	}
	if job.ActivatedAt, err = parseOptionalMillis(h[fActivatedAt]); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", fActivatedAt, err)
	}
	if job.FinishedAt, err = parseOptionalMillis(h[fFinishedAt]); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", fFinishedAt, err)
	}

	switch job.State {
	case domain.StateCompleted:
		ms, _ := strconv.ParseInt(h[fExecMs], 10, 64)
		job.Result = &domain.Result{Output: h[fOutput], ExecutionTimeMs: ms}
	case domain.StateFailed:
		job.Failure = &domain.Failure{Kind: domain.FailureKind(h[fFailKind]), Message: h[fFailMsg]}
	}
	return job, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseOptionalMillis(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseMillis(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

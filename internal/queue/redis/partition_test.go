package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/queue"
)

func newTestPartition(t *testing.T, lang domain.Language) (*Partition, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPartition(client, lang, time.Second, zap.NewNop()), mr
}

func TestPartition_FIFO(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPartition(t, domain.LangPython)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.Must(uuid.NewV7())
		ids = append(ids, id)
		require.NoError(t, p.Add(ctx, id))
	}

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), depth)

	for _, want := range ids {
		got, err := p.Claim(ctx, "python-0")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPartition_ClaimEmpty(t *testing.T) {
	p, _ := newTestPartition(t, domain.LangCpp)

	_, err := p.Claim(context.Background(), "cpp-0")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPartition_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPartition(t, domain.LangPython)

	const jobs = 50
	for i := 0; i < jobs; i++ {
		require.NoError(t, p.Add(ctx, uuid.Must(uuid.NewV7())))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := p.Claim(ctx, "w")
				if err != nil {
					return
				}
				mu.Lock()
				claimed[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestPartition_AckAndRemove(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPartition(t, domain.LangPython)

	a, b := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	require.NoError(t, p.Add(ctx, a))
	require.NoError(t, p.Add(ctx, b))

	got, err := p.Claim(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, a, got)

	inflight, err := mr.List(p.inflight)
	require.NoError(t, err)
	assert.Equal(t, []string{a.String()}, inflight)

	require.NoError(t, p.Ack(ctx, a))
	inflight, _ = mr.List(p.inflight)
	assert.Empty(t, inflight)

	require.NoError(t, p.Remove(ctx, b))
	require.NoError(t, p.Remove(ctx, b), "remove is idempotent")

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPartition_Recover(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPartition(t, domain.LangCpp)

	var stranded []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.Must(uuid.NewV7())
		stranded = append(stranded, id)
		require.NoError(t, p.Add(ctx, id))
	}
	for range stranded {
		_, err := p.Claim(ctx, "crashed")
		require.NoError(t, err)
	}
	fresh := uuid.Must(uuid.NewV7())
	require.NoError(t, p.Add(ctx, fresh))

	n, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	inflight, _ := mr.List(p.inflight)
	assert.Empty(t, inflight)

	for _, want := range append(stranded, fresh) {
		got, err := p.Claim(ctx, "w")
		require.NoError(t, err)
		assert.Equal(t, want, got, "recovered entries keep admission order and precede newer ones")
	}
}

func TestPartition_Release(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPartition(t, domain.LangPython)

	a, b := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	require.NoError(t, p.Add(ctx, a))
	require.NoError(t, p.Add(ctx, b))

	got, err := p.Claim(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, a, got)

	require.NoError(t, p.Release(ctx, a))
	inflight, _ := mr.List(p.inflight)
	assert.Empty(t, inflight)

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	got, err = p.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, a, got, "released entry is claimed before newer ones")

	require.NoError(t, p.Ack(ctx, a))
	require.NoError(t, p.Release(ctx, a), "releasing an unclaimed id is a no-op")
	depth, err = p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestNewSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	set, err := NewSet(client, time.Second, zap.NewNop())
	require.NoError(t, err)
	for _, lang := range domain.Languages() {
		p, err := set.For(lang)
		require.NoError(t, err)
		assert.Equal(t, lang, p.Language())
	}

	_, err = set.For(domain.Language("cpp_extra"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

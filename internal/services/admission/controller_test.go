package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestController_NoLimits(t *testing.T) {
	c := NewController(Config{}, nil, zap.NewNop())

	for i := 0; i < 100; i++ {
		p, err := c.TryAcquire("sk-a")
		require.NoError(t, err)
		p.Release()
	}
	assert.NoError(t, c.CheckTokens(context.Background(), "sk-a", 1<<30))
}

func TestController_PerKeyConcurrency(t *testing.T) {
	const limit = 3
	c := NewController(Config{Concurrent: limit}, nil, zap.NewNop())

	held := make([]*Permit, 0, limit)
	for i := 0; i < limit; i++ {
		p, err := c.TryAcquire("sk-a")
		require.NoError(t, err)
		held = append(held, p)
	}

	_, err := c.TryAcquire("sk-a")
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	held[0].Release()
	p, err := c.TryAcquire("sk-a")
	require.NoError(t, err)

	p.Release()
	for _, h := range held[1:] {
		h.Release()
	}
	global, perKey := c.InFlight("sk-a")
	assert.Zero(t, global)
	assert.Zero(t, perKey)
}

func TestController_GlobalLimitAcrossKeys(t *testing.T) {
	c := NewController(Config{Concurrent: 2}, nil, zap.NewNop())

	p1, err := c.TryAcquire("sk-a")
	require.NoError(t, err)
	p2, err := c.TryAcquire("sk-b")
	require.NoError(t, err)

	_, err = c.TryAcquire("sk-c")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonGlobalConcurrency, rejected.Reason)

	p1.Release()
	p2.Release()
}

func TestController_PerKeyFailureReleasesGlobal(t *testing.T) {
	c := NewController(Config{Concurrent: 2}, nil, zap.NewNop())

	// Fill the per-key budget of sk-a directly so the global slot is free.
	slots := c.keySlots("sk-a")
	slots <- struct{}{}
	slots <- struct{}{}

	_, err := c.TryAcquire("sk-a")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonKeyConcurrency, rejected.Reason)

	global, _ := c.InFlight("sk-a")
	assert.Zero(t, global, "global slot leaked after per-key rejection")
}

func TestPermit_ReleaseIsIdempotent(t *testing.T) {
	c := NewController(Config{Concurrent: 1}, nil, zap.NewNop())

	p, err := c.TryAcquire("sk-a")
	require.NoError(t, err)
	p.Release()
	p.Release()

	global, perKey := c.InFlight("sk-a")
	assert.Zero(t, global)
	assert.Zero(t, perKey)

	var nilPermit *Permit
	nilPermit.Release()
}

func TestController_ConcurrentAcquire(t *testing.T) {
	const limit = 5
	c := NewController(Config{Concurrent: limit}, nil, zap.NewNop())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*Permit
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := c.TryAcquire("sk-a"); err == nil {
				mu.Lock()
				accepted = append(accepted, p)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, accepted, limit)
	for _, p := range accepted {
		p.Release()
	}
}

func TestController_TokenBudget(t *testing.T) {
	clock := newFakeClock()
	c := NewController(Config{TokensPerMinute: 100}, NewMemoryWindow(clock.Now), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.CheckTokens(ctx, "sk-a", 60))
	clock.Advance(10 * time.Second)
	require.NoError(t, c.CheckTokens(ctx, "sk-a", 40))

	err := c.CheckTokens(ctx, "sk-a", 1)
	require.Error(t, err)
	assert.Equal(t, "token usage exceeded (limit: 100/minute)", err.Error())

	// Other keys have their own window.
	require.NoError(t, c.CheckTokens(ctx, "sk-b", 100))

	// 61s after the first sample only the 40-token sample remains.
	clock.Advance(51 * time.Second)
	require.NoError(t, c.CheckTokens(ctx, "sk-a", 60))
	assert.Error(t, c.CheckTokens(ctx, "sk-a", 1))
}

func TestMemoryWindow_RejectedSampleNotRecorded(t *testing.T) {
	clock := newFakeClock()
	w := NewMemoryWindow(clock.Now)
	ctx := context.Background()

	ok, err := w.Reserve(ctx, "k", 90, 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = w.Reserve(ctx, "k", 20, 100)
	assert.False(t, ok)
	ok, _ = w.Reserve(ctx, "k", 10, 100)
	assert.True(t, ok)
}

func TestRedisWindow_TokenBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	w := NewRedisWindow(client, "test:tokens:", zap.NewNop()).WithClock(clock.Now)
	c := NewController(Config{TokensPerMinute: 100}, w, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.CheckTokens(ctx, "sk-a", 50))
	require.NoError(t, c.CheckTokens(ctx, "sk-a", 50))
	assert.True(t, IsRejected(c.CheckTokens(ctx, "sk-a", 1)))

	clock.Advance(61 * time.Second)
	require.NoError(t, c.CheckTokens(ctx, "sk-a", 100))

	require.NoError(t, w.Reset(ctx, "sk-a"))
	require.NoError(t, c.CheckTokens(ctx, "sk-a", 100))
}

func TestRedisWindow_SharedBetweenControllers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewController(Config{TokensPerMinute: 10}, NewRedisWindow(client, "p:", zap.NewNop()), zap.NewNop())
	b := NewController(Config{TokensPerMinute: 10}, NewRedisWindow(client, "p:", zap.NewNop()), zap.NewNop())

	require.NoError(t, a.CheckTokens(ctx, "sk-a", 6))
	assert.True(t, IsRejected(b.CheckTokens(ctx, "sk-a", 6)))
}

func TestController_RedisFailureAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := NewController(Config{TokensPerMinute: 1}, NewRedisWindow(client, "p:", zap.NewNop()), zap.NewNop())
	assert.NoError(t, c.CheckTokens(context.Background(), "sk-a", 100))
}

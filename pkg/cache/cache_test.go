package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmrace/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, opts ...Option) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string](append([]Option{WithClock(clock.Now), WithSweepInterval(0)}, opts...)...)
	t.Cleanup(c.Destroy)
	return c, clock
}

func TestExpiry(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("k", "v", 10*time.Millisecond))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.False(t, c.Has("k"))
	assert.Zero(t, c.Len(), "expired entry should be purged on read")
}

func TestExpiryBoundary(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("k", "v", time.Second))
	clock.Advance(time.Second)
	assert.True(t, c.Has("k"), "entry is live until now passes expiresAt")
	clock.Advance(time.Nanosecond)
	assert.False(t, c.Has("k"))
}

func TestDefaultTTL(t *testing.T) {
	c, clock := newTestCache(t, WithDefaultTTL(time.Minute))

	require.NoError(t, c.Set("k", "v", 0))
	clock.Advance(59 * time.Second)
	assert.True(t, c.Has("k"))
	clock.Advance(2 * time.Second)
	assert.False(t, c.Has("k"))
}

func TestSetNegativeTTL(t *testing.T) {
	c, _ := newTestCache(t)

	err := c.Set("k", "v", -time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegativeTTL)
	assert.Contains(t, err.Error(), "cache set operation")
	assert.False(t, c.Has("k"))
}

func TestAccessCount(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Set("k", "v", 0))
	_, _ = c.Get("k")
	_ = c.Has("k")

	st := c.Stats()
	require.Len(t, st.TopKeys, 1)
	assert.Equal(t, models.KeyAccess{Key: "k", AccessCount: 3}, st.TopKeys[0])
}

func TestGetOrSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	v, err := c.GetOrSet(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)

	v, err = c.GetOrSet(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrSetError(t *testing.T) {
	c, _ := newTestCache(t)
	boom := errors.New("upstream 500")

	_, err := c.GetOrSetFunc("k", func() (string, error) { return "", boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "cache get-or-set operation")
	assert.False(t, c.Has("k"), "failures must not be cached")
}

func TestGetOrSetCanceled(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetOrSet(ctx, "k", func(context.Context) (string, error) {
		t.Fatal("fn must not run for a canceled context")
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Set("k", "v", 0))

	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	assert.False(t, c.Has("k"))
}

func TestStats(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("short", "aaaa", time.Second))
	require.NoError(t, c.Set("long", "bbbb", time.Hour))
	_, _ = c.Get("long")
	_, _ = c.Get("missing")
	clock.Advance(2 * time.Second)

	st := c.Stats()
	assert.Equal(t, 2, st.TotalEntries)
	assert.Equal(t, 1, st.ValidEntries)
	assert.Equal(t, 1, st.ExpiredEntries)
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, 2*time.Second, st.AverageAge)
	assert.Positive(t, st.MemoryUsageEstimate)
	require.Len(t, st.TopKeys, 2)
	assert.Equal(t, "long", st.TopKeys[0].Key)
}

func TestStatsTopKeysBounded(t *testing.T) {
	c, _ := newTestCache(t)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		require.NoError(t, c.Set(k, k, 0))
	}
	assert.Len(t, c.Stats().TopKeys, 10)
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(t)
	require.NoError(t, c.Set("a", "1", time.Second))
	require.NoError(t, c.Set("b", "2", time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestBackgroundSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string](WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	defer c.Destroy()

	require.NoError(t, c.Set("a", "1", time.Second))
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDestroy(t *testing.T) {
	c := New[string](WithSweepInterval(time.Millisecond))
	require.NoError(t, c.Set("a", "1", 0))

	c.Destroy()
	c.Destroy()
	assert.Zero(t, c.Len())
}

func TestClearResetsStats(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Set("a", "1", 0))
	_, _ = c.Get("a")

	c.Clear()
	st := c.Stats()
	assert.Zero(t, st.TotalEntries)
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.HitRate)
}

func TestHashPrompt(t *testing.T) {
	msgs := []models.ChatMessage{{Role: "user", Content: "hello"}}
	params := models.CompletionParams{MaxTokens: 10}

	h1 := HashPrompt("gpt-4o", msgs, params)
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, HashPrompt("gpt-4o", msgs, params))
	assert.NotEqual(t, h1, HashPrompt("gpt-4o-mini", msgs, params))
	assert.NotEqual(t, h1, HashPrompt("gpt-4o", msgs, models.CompletionParams{MaxTokens: 20}))
	assert.NotEqual(t, h1, HashPrompt("gpt-4o", []models.ChatMessage{{Role: "user", Content: "bye"}}, params))
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int]()
	defer c.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a", "b"}[i%2]
			_, err := c.GetOrSetFunc(key, func() (int, error) { return i, nil })
			assert.NoError(t, err)
			_ = c.Stats()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, c.Len())
}

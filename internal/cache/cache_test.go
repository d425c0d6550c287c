package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestCache_GetSet(t *testing.T) {
	c := New[string, int](10, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestCache_Expiry(t *testing.T) {
	clk := newClock()
	c := New[string, string](10, time.Minute).WithClock(clk.Now)

	c.Set("k", "v")
	clk.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestCache_ExplicitTTLOverridesDefault(t *testing.T) {
	clk := newClock()
	c := New[string, string](10, time.Minute).WithClock(clk.Now)

	c.SetWithTTL("long", "v", time.Hour)
	c.SetWithTTL("forever", "v", 0)
	clk.Advance(30 * time.Minute)

	_, ok := c.Get("long")
	assert.True(t, ok)
	clk.Advance(1000 * time.Hour)
	_, ok = c.Get("forever")
	assert.True(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, int](2, 0)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Get(1) // 2 is now the LRU entry
	c.Set(3, 3)

	_, ok := c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_Sweep(t *testing.T) {
	clk := newClock()
	c := New[string, int](10, time.Minute).WithClock(clk.Now)
	c.Set("a", 1)
	c.Set("b", 2)
	c.SetWithTTL("c", 3, time.Hour)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Zero(t, c.Sweep())
}

func TestCache_RangeSkipsExpired(t *testing.T) {
	clk := newClock()
	c := New[string, int](10, time.Minute).WithClock(clk.Now)
	c.Set("old", 1)
	clk.Advance(2 * time.Minute)
	c.Set("new", 2)

	var keys []string
	c.Range(func(k string, _ int) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"new"}, keys)
}

func TestCache_RangeStops(t *testing.T) {
	c := New[int, int](10, 0)
	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	n := 0
	c.Range(func(int, int) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestCache_DeleteAndPurge(t *testing.T) {
	c := New[string, int](10, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int](100, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(g*1000+i, i)
				c.Get(g*1000 + i)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10)

	_, ok, err := c.Get(ctx, "route:v1:a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "route:v1:a", "plan-1", time.Minute))
	id, ok, err := c.Get(ctx, "route:v1:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "plan-1", id)

	require.NoError(t, c.Put(ctx, "route:v1:a", "plan-2", time.Minute))
	id, _, _ = c.Get(ctx, "route:v1:a")
	assert.Equal(t, "plan-2", id)
	assert.Equal(t, 1, c.Len())
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, "k", "plan", time.Minute))

	now = now.Add(59 * time.Second)
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entries are dropped on read")
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2)

	require.NoError(t, c.Put(ctx, "a", "1", time.Minute))
	require.NoError(t, c.Put(ctx, "b", "2", time.Minute))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Put(ctx, "c", "3", time.Minute))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemory_NonPositiveTTLDeletes(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)

	require.NoError(t, c.Put(ctx, "k", "plan", time.Minute))
	require.NoError(t, c.Put(ctx, "k", "", 0))
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(50)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				key := string(rune('a' + (i+j)%26))
				_ = c.Put(ctx, key, "p", time.Minute)
				_, _, _ = c.Get(ctx, key)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestJitterTTL(t *testing.T) {
	base := 10 * time.Minute
	lo, hi := 9*time.Minute, 11*time.Minute

	varied := false
	for range 500 {
		got := JitterTTL(base)
		assert.GreaterOrEqual(t, got, lo)
		assert.LessOrEqual(t, got, hi)
		if got != base {
			varied = true
		}
	}
	assert.True(t, varied)

	assert.Equal(t, time.Duration(0), JitterTTL(0))
	assert.Equal(t, time.Duration(3), JitterTTL(3))
}

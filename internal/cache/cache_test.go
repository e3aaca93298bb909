package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
)

func float(v float64) *float64 { return &v }

func TestGetOrFetchCachesFreshValue(t *testing.T) {
	c := cache.New(cache.Config{Capacity: 10})
	var calls int32

	fetch := func() (*float64, error) {
		atomic.AddInt32(&calls, 1)
		return float(42), nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(context.Background(), "key", time.Hour, fetch)
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, 42.0, *v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrFetchRefetchesAfterExpiry(t *testing.T) {
	c := cache.New(cache.Config{Capacity: 10})
	var calls int32
	fetch := func() (*float64, error) {
		n := atomic.AddInt32(&calls, 1)
		return float(float64(n)), nil
	}

	v1, err := c.GetOrFetch(context.Background(), "key", 0, fetch)
	require.NoError(t, err)
	v2, err := c.GetOrFetch(context.Background(), "key", 0, fetch)
	require.NoError(t, err)
	assert.NotEqual(t, *v1, *v2)
}

func TestGetOrFetchCollapsesConcurrentMisses(t *testing.T) {
	c := cache.New(cache.Config{Capacity: 10})
	var calls int32
	release := make(chan struct{})

	fetch := func() (*float64, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return float(1), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrFetch(context.Background(), "shared", time.Hour, fetch)
		}()
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New(cache.Config{Capacity: 2})
	noop := func(v float64) func() (*float64, error) {
		return func() (*float64, error) { return float(v), nil }
	}

	_, _ = c.GetOrFetch(context.Background(), "a", time.Hour, noop(1))
	_, _ = c.GetOrFetch(context.Background(), "b", time.Hour, noop(2))
	_, _ = c.GetOrFetch(context.Background(), "c", time.Hour, noop(3))

	assert.Equal(t, 2, c.Stats())
	_, ok := c.Get("a", time.Hour)
	assert.False(t, ok, "oldest entry should have been evicted")
}

package idempotent_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
)

func completed(key string, expiresAt time.Time) *idempotent.Record {
	return &idempotent.Record{
		Key:       key,
		Status:    idempotent.StatusCompleted,
		Response:  []byte(key),
		ExpiresAt: expiresAt,
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	now := time.Now()
	c := idempotent.NewLRUCache(2)

	c.Add(completed("a", now.Add(time.Hour)))
	c.Add(completed("b", now.Add(time.Hour)))
	_, ok := c.Get("a", now) // a becomes most recently used
	require.True(t, ok)
	c.Add(completed("c", now.Add(time.Hour)))

	require.Equal(t, 2, c.Len())
	_, ok = c.Get("b", now)
	require.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get("a", now)
	require.True(t, ok)
	_, ok = c.Get("c", now)
	require.True(t, ok)
}

func TestLRUCache_IgnoresInProgress(t *testing.T) {
	c := idempotent.NewLRUCache(0)
	c.Add(&idempotent.Record{Key: "a", Status: idempotent.StatusInProgress})
	c.Add(nil)
	require.Zero(t, c.Len())
}

func TestLRUCache_Expiry(t *testing.T) {
	now := time.Now()
	c := idempotent.NewLRUCache(10)
	c.Add(completed("a", now.Add(time.Minute)))

	_, ok := c.Get("a", now.Add(59*time.Second))
	require.True(t, ok)
	_, ok = c.Get("a", now.Add(time.Minute))
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestLRUCache_UpdateAndRemove(t *testing.T) {
	now := time.Now()
	c := idempotent.NewLRUCache(10)
	c.Add(completed("a", now.Add(time.Hour)))
	rec := completed("a", now.Add(time.Hour))
	rec.Response = []byte("updated")
	c.Add(rec)

	got, ok := c.Get("a", now)
	require.True(t, ok)
	require.Equal(t, "updated", string(got.Response))
	require.Equal(t, 1, c.Len())

	c.Remove("a")
	c.Remove("missing")
	require.Zero(t, c.Len())
}

func TestLRUCache_ReturnsCopies(t *testing.T) {
	now := time.Now()
	c := idempotent.NewLRUCache(10)
	rec := completed("a", now.Add(time.Hour))
	c.Add(rec)
	rec.Response[0] = 'x'

	got, _ := c.Get("a", now)
	require.Equal(t, "a", string(got.Response))
	got.Response[0] = 'y'

	got, _ = c.Get("a", now)
	require.Equal(t, "a", string(got.Response))
}

func TestLRUCache_Concurrent(t *testing.T) {
	now := time.Now()
	c := idempotent.NewLRUCache(16)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("%d-%d", i, j%20)
				c.Add(completed(key, now.Add(time.Hour)))
				c.Get(key, now)
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 16)
}

func TestRecord_Lifecycle(t *testing.T) {
	now := time.Now()
	rec := &idempotent.Record{
		Status:              idempotent.StatusInProgress,
		ExpiresAt:           now.Add(time.Hour),
		InProgressExpiresAt: now.Add(time.Minute),
	}
	require.False(t, rec.Reclaimable(now))
	require.True(t, rec.IsAbandoned(now.Add(time.Minute)))
	require.True(t, rec.Reclaimable(now.Add(time.Minute)))

	rec.Status = idempotent.StatusCompleted
	require.False(t, rec.Reclaimable(now.Add(time.Minute)), "completed records are not abandoned")
	require.True(t, rec.IsExpired(now.Add(time.Hour)))
	require.True(t, rec.Reclaimable(now.Add(time.Hour)))
}

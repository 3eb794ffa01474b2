package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/memory"
	"github.com/velmie/idempotent/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) idempotent.Store {
		return memory.New()
	})
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := memory.New()

	claim := &idempotent.Record{
		Key:                 "k",
		Status:              idempotent.StatusInProgress,
		Token:               "t",
		ExpiresAt:           now.Add(time.Hour),
		InProgressExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.PutIfAbsentOrExpired(ctx, claim, now))
	response := []byte(`{"a":1}`)
	require.NoError(t, s.CompleteRecord(ctx, "k", "t", response, now.Add(time.Hour)))
	response[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got.Response))

	got.Response[0] = 'y'
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got.Response))
}

func TestStoreSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := memory.New()

	for i, ttl := range []time.Duration{time.Second, time.Hour} {
		key := string(rune('a' + i))
		require.NoError(t, s.PutIfAbsentOrExpired(ctx, &idempotent.Record{
			Key:       key,
			Status:    idempotent.StatusInProgress,
			ExpiresAt: now.Add(ttl),
		}, now))
	}
	require.Equal(t, 2, s.Len())

	require.Equal(t, 1, s.Sweep(now.Add(time.Minute)))
	require.Equal(t, 1, s.Len())
	_, err := s.Get(ctx, "b")
	require.NoError(t, err)
}

func TestStoreJanitor(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := memory.New(
		memory.WithJanitor(10*time.Millisecond),
		memory.WithClock(func() time.Time { return now.Add(time.Hour) }),
	)
	defer s.Close()

	require.NoError(t, s.PutIfAbsentOrExpired(ctx, &idempotent.Record{
		Key:       "k",
		Status:    idempotent.StatusCompleted,
		ExpiresAt: now.Add(time.Minute),
	}, now))

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := memory.New().Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

package idempotent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := idempotent.NewConfig()

	require.False(t, cfg.Disabled)
	require.False(t, cfg.UseLocalCache)
	require.False(t, cfg.RequireKey)
	require.Equal(t, idempotent.HashMD5, cfg.HashFunction)
	require.Equal(t, idempotent.DefaultCacheCapacity, cfg.LocalCacheCapacity)
	require.Equal(t, time.Hour, cfg.Expiration)
	require.Equal(t, idempotent.DefaultInProgressExpiration, cfg.InProgressExpiration)
	require.Equal(t, idempotent.DefaultClaimAttempts, cfg.ClaimAttempts)
	require.Equal(t, idempotent.StoreFailClosed, cfg.StoreErrorMode)
	require.Equal(t, idempotent.CommitFailClosedKeepLock, cfg.CommitErrorMode)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.Now)
	require.NotNil(t, cfg.Encoder)
	require.NotNil(t, cfg.Decoder)
	require.NoError(t, cfg.Validate())
}

func TestNewConfig_Options(t *testing.T) {
	cache := idempotent.NewLRUCache(4)
	cfg := idempotent.NewConfig(
		idempotent.WithEventKeyPath("id"),
		idempotent.WithPayloadValidationPath("amount"),
		idempotent.WithKeyPrefix("fn"),
		idempotent.WithExpiration(time.Minute),
		idempotent.WithInProgressExpiration(time.Second),
		idempotent.WithClaimRetry(5, time.Millisecond, time.Second),
		idempotent.WithCache(cache),
		idempotent.WithCommitTimeout(time.Second),
	)

	require.Equal(t, "id", cfg.EventKeyPath)
	require.Equal(t, "amount", cfg.PayloadValidationPath)
	require.Equal(t, "fn", cfg.KeyPrefix)
	require.Equal(t, time.Minute, cfg.Expiration)
	require.Equal(t, time.Second, cfg.InProgressExpiration)
	require.Equal(t, 5, cfg.ClaimAttempts)
	require.True(t, cfg.UseLocalCache, "a custom cache enables the local cache")
	require.Same(t, cache, cfg.Cache)
	require.NoError(t, cfg.Validate())
}

func TestNewConfig_LocalCacheCapacity(t *testing.T) {
	cfg := idempotent.NewConfig(idempotent.WithLocalCache(0))
	require.True(t, cfg.UseLocalCache)
	require.Equal(t, idempotent.DefaultCacheCapacity, cfg.LocalCacheCapacity)

	cfg = idempotent.NewConfig(idempotent.WithLocalCache(10))
	require.Equal(t, 10, cfg.LocalCacheCapacity)
}

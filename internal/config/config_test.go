package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/internal/config"
	"github.com/velmie/idempotent/sqlite"
)

const yamlConfig = `
engine:
  event_key_path: "[user_id, product_id]"
  payload_validation_path: amount
  key_prefix: CreateOrder
  hash_function: sha256
  local_cache: true
  local_cache_capacity: 64
  expiration: 1h
  in_progress_expiration: 30s
  claim_attempts: 5
  store_error_mode: fail_open
  commit_error_mode: unlock
  commit_timeout: 2s
store:
  type: sqlite
  sqlite:
    path: ${IDEMCTL_TEST_DIR}/records.db
`

const tomlConfig = `
[engine]
event_key_path = "id"
expiration = "10m"

[store]
type = "natskv"

[store.natskv]
url = "nats://127.0.0.1:4222"
bucket = "orders"
ttl = "2h"
`

func TestParseYAML(t *testing.T) {
	t.Setenv("IDEMCTL_TEST_DIR", "/var/lib/idemctl")

	cfg, err := config.Parse([]byte(yamlConfig), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, "[user_id, product_id]", cfg.Engine.EventKeyPath)
	assert.Equal(t, "amount", cfg.Engine.PayloadValidationPath)
	assert.Equal(t, "CreateOrder", cfg.Engine.KeyPrefix)
	assert.Equal(t, "sha256", cfg.Engine.HashFunction)
	assert.True(t, cfg.Engine.LocalCache)
	assert.Equal(t, 64, cfg.Engine.LocalCacheCapacity)
	assert.Equal(t, time.Hour, cfg.Engine.Expiration)
	assert.Equal(t, 30*time.Second, cfg.Engine.InProgressExpiration)
	assert.Equal(t, 5, cfg.Engine.ClaimAttempts)
	assert.Equal(t, config.StoreSQLite, cfg.Store.Type)
	assert.Equal(t, "/var/lib/idemctl/records.db", cfg.Store.SQLite.Path)
}

func TestParseTOML(t *testing.T) {
	cfg, err := config.Parse([]byte(tomlConfig), ".toml")
	require.NoError(t, err)

	assert.Equal(t, "id", cfg.Engine.EventKeyPath)
	assert.Equal(t, 10*time.Minute, cfg.Engine.Expiration)
	assert.Equal(t, config.StoreNATSKV, cfg.Store.Type)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Store.NATSKV.URL)
	assert.Equal(t, "orders", cfg.Store.NATSKV.Bucket)
	assert.Equal(t, 2*time.Hour, cfg.Store.NATSKV.TTL)
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]struct {
		data string
		ext  string
	}{
		"unsupported format":   {data: "{}", ext: ".json"},
		"missing store type":   {data: "engine:\n  key_prefix: x\n", ext: ".yaml"},
		"unknown store type":   {data: "store:\n  type: redis\n", ext: ".yaml"},
		"unknown hash":         {data: "engine:\n  hash_function: crc32\nstore:\n  type: memory\n", ext: ".yaml"},
		"unknown yaml key":     {data: "store:\n  type: memory\n  extra: 1\n", ext: ".yaml"},
		"unknown toml key":     {data: "[store]\ntype = \"memory\"\nextra = 1\n", ext: ".toml"},
		"bad duration":         {data: "engine:\n  expiration: soon\nstore:\n  type: memory\n", ext: ".yaml"},
		"negative capacity":    {data: "engine:\n  local_cache_capacity: -1\nstore:\n  type: memory\n", ext: ".yaml"},
		"sqlite without path":  {data: "store:\n  type: sqlite\n", ext: ".yaml"},
		"postgres without dsn": {data: "store:\n  type: postgres\n", ext: ".yaml"},
		"bad commit mode":      {data: "engine:\n  commit_error_mode: retry\nstore:\n  type: memory\n", ext: ".yaml"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.data), tt.ext)
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idemctl.TOML")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Store.NATSKV.Bucket)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	tests := map[string]bool{
		"true":  true,
		"1":     true,
		" YES ": true,
		"false": false,
		"":      false,
	}
	for value, disabled := range tests {
		cfg := config.Default()
		cfg.ApplyEnv(func(key string) (string, bool) {
			return value, key == config.DisabledEnv
		})
		assert.Equal(t, disabled, cfg.Engine.Disabled, "value %q", value)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg, err := config.Parse([]byte(yamlConfig), ".yaml")
	require.NoError(t, err)

	c := idempotent.NewConfig(cfg.Engine.Options()...)
	assert.Equal(t, "[user_id, product_id]", c.EventKeyPath)
	assert.Equal(t, "CreateOrder", c.KeyPrefix)
	assert.Equal(t, "sha256", c.HashFunction)
	assert.True(t, c.UseLocalCache)
	assert.Equal(t, 64, c.LocalCacheCapacity)
	assert.Equal(t, time.Hour, c.Expiration)
	assert.Equal(t, 30*time.Second, c.InProgressExpiration)
	assert.Equal(t, 5, c.ClaimAttempts)
	assert.Equal(t, idempotent.StoreFailOpen, c.StoreErrorMode)
	assert.Equal(t, idempotent.CommitFailClosedUnlock, c.CommitErrorMode)
	assert.Equal(t, 2*time.Second, c.CommitTimeout)
	require.NoError(t, c.Validate())

	defaults := idempotent.NewConfig(config.Default().Engine.Options()...)
	assert.Equal(t, idempotent.DefaultHashFunction, defaults.HashFunction)
	assert.Equal(t, idempotent.DefaultExpiration, defaults.Expiration)
	assert.Equal(t, idempotent.DefaultClaimAttempts, defaults.ClaimAttempts)
	assert.False(t, defaults.UseLocalCache)
}

func TestParseKeepsBareDollar(t *testing.T) {
	t.Setenv("IDEMCTL_TEST_TABLE", "billing.idempotency")
	data := "store:\n  type: postgres\n  postgres:\n    dsn: postgres://app:pa$word@db/app\n    table: ${IDEMCTL_TEST_TABLE}\n"

	cfg, err := config.Parse([]byte(data), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pa$word@db/app", cfg.Store.Postgres.DSN)
	assert.Equal(t, "billing.idempotency", cfg.Store.Postgres.Table)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := config.OpenStore(ctx, config.StoreConfig{Type: config.StoreMemory})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, closeStore())

	path := filepath.Join(t.TempDir(), "nested", "records.db")
	store, closeStore, err = config.OpenStore(ctx, config.StoreConfig{
		Type:   config.StoreSQLite,
		SQLite: config.SQLiteConfig{Path: path, Table: "custom_records"},
	})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, store)
	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, idempotent.ErrRecordNotFound)
	require.NoError(t, closeStore())

	_, _, err = config.OpenStore(ctx, config.StoreConfig{Type: "redis"})
	require.Error(t, err)
}

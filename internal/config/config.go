// Package config loads idemctl configuration files.
//
// YAML (.yaml, .yml) and TOML (.toml) files are supported. ${VAR} references are
// expanded from the environment before decoding. A bare $ is kept as is.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/velmie/idempotent"
)

// DisabledEnv disables idempotency regardless of the file contents when set to a true value.
const DisabledEnv = "IDEMPOTENCY_DISABLED"

// Store types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
	StoreNATSKV   = "natskv"
)

// Config is the root of a configuration file.
type Config struct {
	Engine EngineConfig `yaml:"engine" toml:"engine"`
	Store  StoreConfig  `yaml:"store" toml:"store"`
}

// EngineConfig mirrors the engine options.
type EngineConfig struct {
	Disabled              bool          `yaml:"disabled" toml:"disabled"`
	EventKeyPath          string        `yaml:"event_key_path" toml:"event_key_path"`
	PayloadValidationPath string        `yaml:"payload_validation_path" toml:"payload_validation_path"`
	KeyPrefix             string        `yaml:"key_prefix" toml:"key_prefix"`
	RequireKey            bool          `yaml:"require_key" toml:"require_key"`
	HashFunction          string        `yaml:"hash_function" toml:"hash_function" validate:"omitempty,oneof=md5 sha1 sha256 sha512 fnv128a highwayhash"`
	LocalCache            bool          `yaml:"local_cache" toml:"local_cache"`
	LocalCacheCapacity    int           `yaml:"local_cache_capacity" toml:"local_cache_capacity" validate:"gte=0"`
	Expiration            time.Duration `yaml:"expiration" toml:"expiration" validate:"gte=0"`
	InProgressExpiration  time.Duration `yaml:"in_progress_expiration" toml:"in_progress_expiration" validate:"gte=0"`
	ClaimAttempts         int           `yaml:"claim_attempts" toml:"claim_attempts" validate:"gte=0"`
	StoreErrorMode        string        `yaml:"store_error_mode" toml:"store_error_mode" validate:"omitempty,oneof=fail_closed fail_open"`
	CommitErrorMode       string        `yaml:"commit_error_mode" toml:"commit_error_mode" validate:"omitempty,oneof=keep_lock unlock fail_open"`
	CommitTimeout         time.Duration `yaml:"commit_timeout" toml:"commit_timeout" validate:"gte=0"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type     string         `yaml:"type" toml:"type" validate:"required,oneof=memory sqlite postgres dynamodb natskv"`
	SQLite   SQLiteConfig   `yaml:"sqlite" toml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" toml:"postgres"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" toml:"dynamodb"`
	NATSKV   NATSKVConfig   `yaml:"natskv" toml:"natskv"`
}

type SQLiteConfig struct {
	Path  string `yaml:"path" toml:"path"`
	Table string `yaml:"table" toml:"table"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn" toml:"dsn"`
	Table        string `yaml:"table" toml:"table"`
	EnsureSchema bool   `yaml:"ensure_schema" toml:"ensure_schema"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table" toml:"table"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" validate:"omitempty,url"`
}

type NATSKVConfig struct {
	URL    string        `yaml:"url" toml:"url"`
	Bucket string        `yaml:"bucket" toml:"bucket"`
	TTL    time.Duration `yaml:"ttl" toml:"ttl" validate:"gte=0"`
}

var (
	validate = validator.New(validator.WithRequiredStructEnabled())
	envVar   = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read config file")
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)))
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml").
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(data)

	var cfg Config
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "cannot parse YAML config")
		}
	case ".toml":
		md, err := toml.Decode(string(expanded), &cfg)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse TOML config")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown config key %q", undecoded[0].String())
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVar.ReplaceAllFunc(data, func(match []byte) []byte {
		return []byte(os.Getenv(string(envVar.FindSubmatch(match)[1])))
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{Store: StoreConfig{Type: StoreMemory}}
}

// Validate checks field constraints and per-store requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	switch c.Store.Type {
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("invalid config: store.sqlite.path is required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("invalid config: store.postgres.dsn is required")
		}
	}
	return nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(DisabledEnv); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			c.Engine.Disabled = true
		}
	}
}

// Options maps the engine section onto engine options. Zero values keep engine defaults.
func (e EngineConfig) Options() []idempotent.Option {
	opts := []idempotent.Option{
		idempotent.WithDisabled(e.Disabled),
		idempotent.WithEventKeyPath(e.EventKeyPath),
		idempotent.WithPayloadValidationPath(e.PayloadValidationPath),
		idempotent.WithKeyPrefix(e.KeyPrefix),
		idempotent.WithRequireKey(e.RequireKey),
	}
	if e.HashFunction != "" {
		opts = append(opts, idempotent.WithHashFunction(e.HashFunction))
	}
	if e.LocalCache {
		opts = append(opts, idempotent.WithLocalCache(e.LocalCacheCapacity))
	}
	if e.Expiration > 0 {
		opts = append(opts, idempotent.WithExpiration(e.Expiration))
	}
	if e.InProgressExpiration > 0 {
		opts = append(opts, idempotent.WithInProgressExpiration(e.InProgressExpiration))
	}
	if e.ClaimAttempts > 0 {
		opts = append(opts, func(c *idempotent.Config) {
			c.ClaimAttempts = e.ClaimAttempts
		})
	}
	if e.StoreErrorMode == "fail_open" {
		opts = append(opts, idempotent.WithStoreErrorMode(idempotent.StoreFailOpen))
	}
	switch e.CommitErrorMode {
	case "unlock":
		opts = append(opts, idempotent.WithCommitErrorMode(idempotent.CommitFailClosedUnlock))
	case "fail_open":
		opts = append(opts, idempotent.WithCommitErrorMode(idempotent.CommitFailOpen))
	}
	if e.CommitTimeout > 0 {
		opts = append(opts, idempotent.WithCommitTimeout(e.CommitTimeout))
	}
	return opts
}

package idempotent

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultExpiration is how long a completed record is replayed.
	DefaultExpiration = time.Hour
	// DefaultInProgressExpiration is how long a claimed slot is honoured before it
	// is considered abandoned. It must exceed the worst-case operation duration.
	DefaultInProgressExpiration = time.Minute
	// DefaultClaimAttempts bounds slot acquisition attempts per invocation.
	DefaultClaimAttempts = 3

	defaultClaimBackoff    = 50 * time.Millisecond
	defaultClaimBackoffMax = time.Second
	defaultCommitTimeout   = 5 * time.Second
)

// StoreErrorMode defines engine behavior when the store fails before the operation runs.
type StoreErrorMode int

const (
	// StoreFailClosed propagates store errors to the caller.
	StoreFailClosed StoreErrorMode = iota
	// StoreFailOpen runs the operation without idempotency bookkeeping when the
	// store cannot be read or claimed. Duplicates may execute while the store is down.
	StoreFailOpen
)

// CommitErrorMode defines engine behavior when persisting a successful result fails.
type CommitErrorMode int

const (
	// CommitFailClosedKeepLock returns the store error and keeps the slot claimed until it is abandoned.
	CommitFailClosedKeepLock CommitErrorMode = iota
	// CommitFailClosedUnlock returns the store error and releases the slot, allowing a retry.
	CommitFailClosedUnlock
	// CommitFailOpen ignores the error and returns the operation result.
	// Idempotency degrades for the key when commit fails.
	CommitFailOpen
)

// Encoder defines how to encode operation results
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// EncoderFunc wraps the encoding function to use it as an Encoder
// json.Marshal can be used as an encoder
type EncoderFunc func(v any) ([]byte, error)

func (f EncoderFunc) Encode(v any) ([]byte, error) {
	return f(v)
}

// Decoder defines how to decode the given data into a value
type Decoder interface {
	Decode(data []byte, v any) error
}

// DecoderFunc wraps the decoding function to use it as a Decoder
// json.Unmarshal can be used as a decoder
type DecoderFunc func(data []byte, v any) error

func (f DecoderFunc) Decode(data []byte, v any) error {
	return f(data, v)
}

// Config defines engine behavior.
//
// Use functional Options via NewEngine(store, ...) instead of constructing Config directly.
type Config struct {
	// Disabled turns the engine into a pass-through.
	Disabled bool

	// EventKeyPath is a JMESPath expression selecting the payload fragment the key is
	// derived from. Empty means the whole payload.
	EventKeyPath string
	// PayloadValidationPath is a JMESPath expression selecting the fragment that must
	// match on replays. Empty disables validation.
	PayloadValidationPath string
	// KeyPrefix is prepended to the key as "<prefix>#<digest>", typically the operation name.
	KeyPrefix string
	// RequireKey makes a missing key an error. When false the operation runs without idempotency.
	RequireKey bool
	// HashFunction names the digest, see LookupHashFunction.
	HashFunction string
	// Hasher overrides HashFunction with a custom digest.
	Hasher HashFactory

	// UseLocalCache enables the in-process LRU cache of completed records.
	UseLocalCache bool
	// LocalCacheCapacity bounds the LRU cache.
	LocalCacheCapacity int
	// Cache overrides the built-in LRU cache; setting it implies UseLocalCache.
	Cache Cache

	// Expiration is how long a completed record is replayed.
	Expiration time.Duration
	// InProgressExpiration is how long a claimed slot is honoured.
	InProgressExpiration time.Duration

	// ClaimAttempts bounds slot acquisition attempts when the conditional write loses.
	ClaimAttempts int
	// ClaimBackoff is the first delay between attempts; it doubles up to ClaimBackoffMax.
	ClaimBackoff    time.Duration
	ClaimBackoffMax time.Duration

	// InProcessCoalescing shares one in-flight execution among concurrent calls in this process.
	// Callers that received the shared result are reported as OutcomeCoalesced.
	InProcessCoalescing bool

	// StoreErrorMode defines how lookup and claim failures affect the call.
	StoreErrorMode StoreErrorMode
	// CommitErrorMode defines how completion failures affect the call.
	CommitErrorMode CommitErrorMode
	// CommitTimeout bounds the calls used to persist or release a record after the operation returns.
	CommitTimeout time.Duration

	// OnReplay is called when a stored or cached result is returned instead of running the operation.
	OnReplay func(key string, response []byte)

	Logger  Logger
	Now     func() time.Time
	Encoder Encoder
	Decoder Decoder
}

// Option configures the engine.
type Option func(*Config)

// WithDisabled toggles pass-through mode.
func WithDisabled(disabled bool) Option {
	return func(c *Config) {
		c.Disabled = disabled
	}
}

// WithEventKeyPath sets the JMESPath expression the idempotency key is derived from.
func WithEventKeyPath(path string) Option {
	return func(c *Config) {
		c.EventKeyPath = path
	}
}

// WithPayloadValidationPath sets the JMESPath expression validated on replays.
func WithPayloadValidationPath(path string) Option {
	return func(c *Config) {
		c.PayloadValidationPath = path
	}
}

// WithKeyPrefix scopes keys, usually by operation name, for shared stores.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithRequireKey toggles whether a missing key is treated as an error.
func WithRequireKey(required bool) Option {
	return func(c *Config) {
		c.RequireKey = required
	}
}

// WithHashFunction selects the digest by name.
func WithHashFunction(name string) Option {
	return func(c *Config) {
		c.HashFunction = name
	}
}

// WithHasher sets a custom digest.
func WithHasher(f HashFactory) Option {
	return func(c *Config) {
		c.Hasher = f
	}
}

// WithLocalCache enables the LRU cache with the given capacity (0 selects the default).
func WithLocalCache(capacity int) Option {
	return func(c *Config) {
		c.UseLocalCache = true
		c.LocalCacheCapacity = capacity
	}
}

// WithCache sets a custom local cache.
func WithCache(cache Cache) Option {
	return func(c *Config) {
		c.Cache = cache
	}
}

// WithExpiration sets how long completed records are replayed.
func WithExpiration(d time.Duration) Option {
	return func(c *Config) {
		c.Expiration = d
	}
}

// WithInProgressExpiration sets how long a claimed slot is honoured before it can be reclaimed.
func WithInProgressExpiration(d time.Duration) Option {
	return func(c *Config) {
		c.InProgressExpiration = d
	}
}

// WithClaimRetry sets slot acquisition attempts and the backoff bounds.
func WithClaimRetry(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(c *Config) {
		c.ClaimAttempts = attempts
		c.ClaimBackoff = backoff
		c.ClaimBackoffMax = maxBackoff
	}
}

// WithInProcessCoalescing toggles sharing of in-flight executions within the process.
func WithInProcessCoalescing(enabled bool) Option {
	return func(c *Config) {
		c.InProcessCoalescing = enabled
	}
}

// WithStoreErrorMode sets how lookup and claim failures affect the call.
func WithStoreErrorMode(mode StoreErrorMode) Option {
	return func(c *Config) {
		c.StoreErrorMode = mode
	}
}

// WithCommitErrorMode sets how completion failures affect the call.
func WithCommitErrorMode(mode CommitErrorMode) Option {
	return func(c *Config) {
		c.CommitErrorMode = mode
	}
}

// WithCommitTimeout sets the timeout applied to CompleteRecord and Delete calls.
func WithCommitTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CommitTimeout = timeout
	}
}

// WithOnReplay sets a callback invoked when a result is replayed.
func WithOnReplay(onReplay func(key string, response []byte)) Option {
	return func(c *Config) {
		c.OnReplay = onReplay
	}
}

// WithLogger sets the logger
func WithLogger(log Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithClock sets the wall clock used for expiry computations.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// WithEncoder sets the encoder used by Do for operation results.
func WithEncoder(enc Encoder) Option {
	return func(c *Config) {
		c.Encoder = enc
	}
}

// WithDecoder sets the decoder used by Do for replayed results.
func WithDecoder(dec Decoder) Option {
	return func(c *Config) {
		c.Decoder = dec
	}
}

// NewConfig applies options and fills defaults.
//
// NewEngine calls NewConfig internally; it is exposed for tests and advanced configuration
// (for example, to inspect computed defaults).
func NewConfig(opts ...Option) Config {
	c := Config{
		HashFunction:         DefaultHashFunction,
		LocalCacheCapacity:   DefaultCacheCapacity,
		Expiration:           DefaultExpiration,
		InProgressExpiration: DefaultInProgressExpiration,
		ClaimAttempts:        DefaultClaimAttempts,
		ClaimBackoff:         defaultClaimBackoff,
		ClaimBackoffMax:      defaultClaimBackoffMax,
		CommitTimeout:        defaultCommitTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Encoder == nil {
		c.Encoder = EncoderFunc(json.Marshal)
	}
	if c.Decoder == nil {
		c.Decoder = DecoderFunc(json.Unmarshal)
	}
	if c.LocalCacheCapacity <= 0 {
		c.LocalCacheCapacity = DefaultCacheCapacity
	}
	if c.Cache != nil {
		c.UseLocalCache = true
	}
	return c
}

// Validate reports option values the engine cannot work with.
func (c Config) Validate() error {
	if c.Expiration <= 0 {
		return errors.Wrapf(ErrConfiguration, "expiration must be positive, got %s", c.Expiration)
	}
	if c.InProgressExpiration <= 0 {
		return errors.Wrapf(ErrConfiguration, "in-progress expiration must be positive, got %s", c.InProgressExpiration)
	}
	if c.ClaimAttempts < 1 {
		return errors.Wrapf(ErrConfiguration, "claim attempts must be at least 1, got %d", c.ClaimAttempts)
	}
	if c.ClaimBackoff < 0 || c.ClaimBackoffMax < c.ClaimBackoff {
		return errors.Wrapf(ErrConfiguration, "invalid claim backoff bounds %s..%s", c.ClaimBackoff, c.ClaimBackoffMax)
	}
	if c.CommitTimeout <= 0 {
		return errors.Wrapf(ErrConfiguration, "commit timeout must be positive, got %s", c.CommitTimeout)
	}
	return nil
}

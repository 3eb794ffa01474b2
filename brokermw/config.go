package brokermw

import (
	"context"
	"strings"

	"github.com/velmie/broker"
)

const (
	// DefaultHeaderName is the header key used as a fallback idempotency key source
	// when broker.Message.ID is empty.
	DefaultHeaderName = "Idempotency-Key"

	// DefaultKeyPath selects the envelope field holding the resolved message key.
	// Pass it to idempotent.WithEventKeyPath when building the engine.
	DefaultKeyPath = "key"
	// BodyValidationPath selects the message body, e.g. for idempotent.WithPayloadValidationPath.
	BodyValidationPath = "body"

	keySeparator = ":"
)

// Config defines idempotency middleware behavior.
//
// Use functional Options via Middleware(engine, ...) instead of constructing Config directly.
type Config struct {
	// HeaderName is used as a fallback when broker.Message.ID is empty.
	HeaderName string
	// UseTopicInKey scopes the key by topic (key = topic + ":" + id).
	UseTopicInKey bool
	// AckOnReplay acknowledges replayed events. Use it when subscriptions do not auto-ack.
	AckOnReplay bool
	// OnReplay is called when a stored record is replayed (i.e. the handler is skipped).
	OnReplay func(broker.Event)
	// ContextFunc supplies the context for store calls; context.Background is used by default.
	ContextFunc func(broker.Event) context.Context
}

// Option configures the middleware.
type Option func(*Config)

// WithHeaderName sets the header key used as a fallback idempotency key source when Message.ID is empty.
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithUseTopicInKey toggles whether the event topic is included in the key.
func WithUseTopicInKey(enabled bool) Option {
	return func(c *Config) {
		c.UseTopicInKey = enabled
	}
}

// WithAckOnReplay toggles acknowledging replayed events.
func WithAckOnReplay(enabled bool) Option {
	return func(c *Config) {
		c.AckOnReplay = enabled
	}
}

// WithOnReplay sets a callback invoked when an event is treated as a replay.
func WithOnReplay(onReplay func(broker.Event)) Option {
	return func(c *Config) {
		c.OnReplay = onReplay
	}
}

// WithContextFunc sets the function supplying the context for each event.
func WithContextFunc(fn func(broker.Event) context.Context) Option {
	return func(c *Config) {
		c.ContextFunc = fn
	}
}

// NewConfig applies options and fills defaults.
//
// Middleware calls NewConfig internally; it is exposed for tests and advanced configuration
// (for example, to inspect computed defaults).
func NewConfig(opts ...Option) Config {
	c := Config{
		HeaderName:    DefaultHeaderName,
		UseTopicInKey: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.ContextFunc == nil {
		c.ContextFunc = func(broker.Event) context.Context {
			return context.Background()
		}
	}
	c.HeaderName = strings.TrimSpace(c.HeaderName)
	return c
}

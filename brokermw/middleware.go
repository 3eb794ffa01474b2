package brokermw

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/velmie/broker"

	"github.com/velmie/idempotent"
)

// processedMarker is stored as the result of a successfully handled event.
var processedMarker = []byte(`{"processed":true}`)

// Envelope is the JSON document the idempotency key is derived from.
// A body holding valid JSON is embedded as is, any other body as a string.
type Envelope struct {
	Key    string            `json:"key,omitempty"`
	ID     string            `json:"id,omitempty"`
	Topic  string            `json:"topic"`
	Header map[string]string `json:"header,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// Middleware returns a broker.Middleware that enforces idempotent message processing.
//
// Key resolution:
//   - primary: broker.Message.ID
//   - fallback: broker.Message.Header[HeaderName] (default: "Idempotency-Key")
//
// The resolved key is scoped by topic (default) and exposed as the "key" field of the
// Envelope; configure the engine with idempotent.WithEventKeyPath(DefaultKeyPath) or any
// other path into the envelope, e.g. "body.orderId".
//
// On replay, the wrapped handler is skipped and Middleware returns nil.
// This assumes subscriptions use AutoAck=true unless WithAckOnReplay is set.
func Middleware(ex idempotent.Executor, opts ...Option) broker.Middleware {
	cfg := NewConfig(opts...)
	if ex == nil {
		panic("brokermw: nil executor")
	}

	return func(next broker.Handler) broker.Handler {
		return func(event broker.Event) error {
			payload, err := BuildEnvelope(event, cfg)
			if err != nil {
				return err
			}

			op, executed := idempotent.TrackExecution(func(context.Context, []byte) ([]byte, error) {
				if err := next(event); err != nil {
					return nil, err
				}
				return processedMarker, nil
			})

			if _, err = ex.Execute(cfg.ContextFunc(event), op, payload); err != nil {
				return err
			}
			if executed.Load() {
				return nil
			}

			if cfg.OnReplay != nil {
				cfg.OnReplay(event)
			}
			if cfg.AckOnReplay {
				return event.Ack()
			}
			return nil
		}
	}
}

// BuildEnvelope renders the event as the JSON document handed to the engine.
func BuildEnvelope(event broker.Event, cfg Config) ([]byte, error) {
	msg := event.Message()
	if msg == nil {
		return nil, errors.New("brokermw: event without message")
	}

	id := strings.TrimSpace(msg.ID)
	if id == "" && msg.Header != nil && cfg.HeaderName != "" {
		id = strings.TrimSpace(msg.Header.Get(cfg.HeaderName))
	}

	env := Envelope{
		ID:     id,
		Topic:  event.Topic(),
		Header: msg.Header,
		Body:   body(msg.Body),
	}
	if id != "" {
		env.Key = id
		if cfg.UseTopicInKey {
			env.Key = env.Topic + keySeparator + id
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "brokermw: cannot encode envelope")
	}
	return payload, nil
}

func body(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	s, _ := json.Marshal(string(b))
	return s
}

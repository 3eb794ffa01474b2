package conn

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

// Connection represents connection to NATS server. Contains nats.Conn and jetstream.JetStream
type Connection struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Establish tries to establish connection to NATS server and construct the JetStream client. Can be configured via various of Option(s)
func Establish(opts ...Option) (*Connection, error) {
	o := &Options{urls: []string{nats.DefaultURL}}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	nc, err := nats.Connect(strings.Join(o.urls, ","), o.natsOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to NATS")
	}

	// if not connected and NoWaitFailedConnectRetry is not set we wait until connection is established or closed after max attempts
	// we check status with ReconnectWait backoff (the backoff NATS client uses between each establish try)
	if !o.noWait && !nc.IsConnected() {
		var s nats.Status
		for s = nc.Status(); s != nats.CONNECTED && s != nats.CLOSED; s = nc.Status() {
			<-time.After(nc.Opts.ReconnectWait)
		}

		// NATS client failed to connect and closed connection
		if s == nats.CLOSED {
			return nil, nc.LastError()
		}
	}

	js, err := jetstream.New(nc, o.jsOpts...)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "cannot create JetStream client")
	}

	return &Connection{nc: nc, js: js}, nil
}

// Conn returns nats.Conn
func (c *Connection) Conn() *nats.Conn {
	return c.nc
}

// JetStream returns jetstream.JetStream
func (c *Connection) JetStream() jetstream.JetStream {
	return c.js
}

// Bucket creates the key/value bucket or updates its configuration.
// A positive ttl removes keys that were not updated for that long; it must exceed the record expiration.
func (c *Connection) Bucket(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "idempotency records",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create key/value bucket %q", bucket)
	}
	return kv, nil
}

// Close closes connection. Refer to nats.Conn #Close
func (c *Connection) Close() {
	c.nc.Close()
}

// Drain drains connection. Refer to nats.Conn #Drain
func (c *Connection) Drain() error {
	return c.nc.Drain()
}

package natskv_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/natskv"
	"github.com/velmie/idempotent/natskv/conn"
	"github.com/velmie/idempotent/storetest"
)

func runBasicJetStreamServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	return natsserver.RunServer(&opts)
}

func shutdownJSServer(t *testing.T, s *server.Server) {
	t.Helper()
	s.Shutdown()
	s.WaitForShutdown()
}

func connect(t *testing.T) *conn.Connection {
	t.Helper()
	s := runBasicJetStreamServer(t)
	t.Cleanup(func() { shutdownJSServer(t, s) })

	c, err := conn.Establish(conn.URL(s.ClientURL()))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestStoreConformance(t *testing.T) {
	c := connect(t)
	kv, err := c.Bucket(context.Background(), "idempotency", 0)
	require.NoError(t, err)

	storetest.Run(t, func(t *testing.T) idempotent.Store {
		return natskv.New(kv)
	})
}

func TestEngineOverBucket(t *testing.T) {
	c := connect(t)
	kv, err := c.Bucket(context.Background(), "orders", 2*time.Hour)
	require.NoError(t, err)

	e, err := idempotent.NewEngine(natskv.New(kv), idempotent.WithKeyPrefix("createOrder"))
	require.NoError(t, err)

	calls := 0
	op := func(context.Context, []byte) ([]byte, error) {
		calls++
		return []byte(`{"orderId":"O-1"}`), nil
	}
	for i := 0; i < 3; i++ {
		resp, err := e.Execute(context.Background(), op, []byte(`{"customerId":42}`))
		require.NoError(t, err)
		require.JSONEq(t, `{"orderId":"O-1"}`, string(resp))
	}
	require.Equal(t, 1, calls)

	keys, err := kv.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestEstablishFails(t *testing.T) {
	_, err := conn.Establish(conn.URL("nats://127.0.0.1:1"))
	require.Error(t, err)
}

package idempotent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/memory"
)

type createOrderRequest struct {
	CustomerID int    `json:"customerId"`
	Item       string `json:"item"`
}

type createOrderResponse struct {
	OrderID string `json:"orderId"`
}

func TestDo(t *testing.T) {
	e := newEngine(t, memory.New(), idempotent.WithEventKeyPath("customerId"))

	calls := 0
	createOrder := func(ctx context.Context, req createOrderRequest) (createOrderResponse, error) {
		calls++
		return createOrderResponse{OrderID: "O-1"}, nil
	}

	resp, err := idempotent.Do(context.Background(), e, createOrder, createOrderRequest{CustomerID: 42, Item: "a"})
	require.NoError(t, err)
	require.Equal(t, "O-1", resp.OrderID)

	resp, err = idempotent.Do(context.Background(), e, createOrder, createOrderRequest{CustomerID: 42, Item: "b"})
	require.NoError(t, err)
	require.Equal(t, "O-1", resp.OrderID)
	require.Equal(t, 1, calls)
}

func TestDo_PassesThroughErrors(t *testing.T) {
	errOutOfStock := errors.New("out of stock")
	e := newEngine(t, memory.New())

	fn := func(context.Context, createOrderRequest) (*createOrderResponse, error) {
		return nil, errOutOfStock
	}
	_, err := idempotent.Do(context.Background(), e, fn, createOrderRequest{CustomerID: 1})
	require.Same(t, errOutOfStock, err)
}

func TestWrap(t *testing.T) {
	e := newEngine(t, memory.New())
	calls := 0
	double := idempotent.Wrap(e, func(_ context.Context, n int) (int, error) {
		calls++
		return n * 2, nil
	})

	for i := 0; i < 3; i++ {
		got, err := double(context.Background(), 21)
		require.NoError(t, err)
		require.Equal(t, 42, got)
	}
	require.Equal(t, 1, calls)
}

func TestDo_DecoderFailure(t *testing.T) {
	e := newEngine(t, memory.New(), idempotent.WithDecoder(idempotent.DecoderFunc(func([]byte, any) error {
		return errors.New("corrupt")
	})))
	fn := func(_ context.Context, n int) (int, error) { return n, nil }

	_, err := idempotent.Do(context.Background(), e, fn, 1)
	require.NoError(t, err)
	_, err = idempotent.Do(context.Background(), e, fn, 1)
	require.ErrorContains(t, err, "corrupt")
}

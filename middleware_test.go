package idempotent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/memory"
	mock_idempotent "github.com/velmie/idempotent/mock"
)

func TestPanicRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		op            idempotent.Operation
		expectErr     bool
		expectedError string
	}{
		{
			name: "no_panic",
			op: func(context.Context, []byte) ([]byte, error) {
				return []byte("ok"), nil
			},
		},
		{
			name: "panic_with_string",
			op: func(context.Context, []byte) ([]byte, error) {
				panic("test panic")
			},
			expectErr:     true,
			expectedError: "panic recovered: test panic",
		},
		{
			name: "panic_with_error",
			op: func(context.Context, []byte) ([]byte, error) {
				panic(errors.New("panic error"))
			},
			expectErr:     true,
			expectedError: "panic recovered: panic error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := idempotent.PanicRecoveryMiddleware()(tt.op)

			resp, err := wrapped(context.Background(), nil)

			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, resp)
				require.True(t, strings.Contains(err.Error(), tt.expectedError), "error must contain panic message")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPanicRecoveryMiddleware_ReleasesSlot(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	op := idempotent.Chain(func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	}, idempotent.PanicRecoveryMiddleware())

	_, err := e.Execute(context.Background(), op, []byte(`{"id":1}`))
	require.Error(t, err)
	require.Zero(t, store.Len())
}

func TestClassifyOutcome(t *testing.T) {
	require.Equal(t, idempotent.OutcomeExecuted, idempotent.ClassifyOutcome(true, nil))
	require.Equal(t, idempotent.OutcomeReplayed, idempotent.ClassifyOutcome(false, nil))
	require.Equal(t, idempotent.OutcomeInProgress, idempotent.ClassifyOutcome(false, idempotent.ErrAlreadyInProgress))
	require.Equal(t, idempotent.OutcomeValidationFailed, idempotent.ClassifyOutcome(false, idempotent.ErrValidation))
	require.Equal(t, idempotent.OutcomeError, idempotent.ClassifyOutcome(true, errors.New("boom")))

	executed, coalesced := new(atomic.Bool), new(atomic.Bool)
	require.Equal(t, idempotent.OutcomeReplayed, idempotent.ClassifyTracked(executed, coalesced, nil))
	coalesced.Store(true)
	require.Equal(t, idempotent.OutcomeCoalesced, idempotent.ClassifyTracked(executed, coalesced, nil))
	require.Equal(t, idempotent.OutcomeError, idempotent.ClassifyTracked(executed, coalesced, errors.New("boom")))
}

func TestLoggingMiddleware(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := mock_idempotent.NewMockLogger(ctrl)
	payload := []byte(`{"id":1}`)

	run := func(ctx context.Context, op idempotent.Operation, _ []byte) ([]byte, error) {
		return op(ctx, payload)
	}
	replay := func(context.Context, idempotent.Operation, []byte) ([]byte, error) {
		return []byte("stored"), nil
	}
	fail := func(err error) idempotent.ExecutorFunc {
		return func(context.Context, idempotent.Operation, []byte) ([]byte, error) {
			return nil, err
		}
	}
	kb, err := idempotent.NewKeyBuilder(idempotent.NewConfig(idempotent.WithKeyPrefix("op")))
	require.NoError(t, err)
	key, err := kb.BuildKey(payload)
	require.NoError(t, err)

	tests := []struct {
		name       string
		middleware idempotent.ExecutorMiddleware
		executor   idempotent.ExecutorFunc
		wantLog    func()
	}{
		{
			name:       "executed",
			middleware: idempotent.LoggingMiddleware(logger),
			executor:   run,
			wantLog: func() {
				logger.EXPECT().Info(
					"idempotent execution finished",
					"outcome", "executed",
					"duration", gomock.Any(),
				)
			},
		},
		{
			name:       "replayed_with_key",
			middleware: idempotent.LoggingMiddleware(logger, idempotent.WithLogKey(kb)),
			executor:   replay,
			wantLog: func() {
				logger.EXPECT().Info(
					"idempotent execution finished",
					"outcome", "replayed",
					"duration", gomock.Any(),
					"key", key,
				)
			},
		},
		{
			name:       "in_progress",
			middleware: idempotent.LoggingMiddleware(logger),
			executor:   fail(idempotent.ErrAlreadyInProgress),
			wantLog: func() {
				logger.EXPECT().Warn(
					"idempotent execution finished",
					"outcome", "in_progress",
					"duration", gomock.Any(),
					"error", idempotent.ErrAlreadyInProgress.Error(),
				)
			},
		},
		{
			name: "payload_logged_on_error",
			middleware: idempotent.LoggingMiddleware(
				logger,
				idempotent.WithLogPayloadOnError(true),
				idempotent.WithLogError(false),
			),
			executor: fail(errors.New("test error")),
			wantLog: func() {
				logger.EXPECT().Error(
					"idempotent execution finished",
					"outcome", "error",
					"duration", gomock.Any(),
					"payload", string(payload),
				)
			},
		},
		{
			name: "payload_custom_func",
			middleware: idempotent.LoggingMiddleware(
				logger,
				idempotent.WithLogPayload(true),
				idempotent.WithLogPayloadFunc(func([]byte) string {
					return "redacted"
				}),
			),
			executor: run,
			wantLog: func() {
				logger.EXPECT().Info(
					"idempotent execution finished",
					"outcome", "executed",
					"duration", gomock.Any(),
					"payload", "redacted",
				)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.wantLog()
			ex := tt.middleware(tt.executor)
			_, _ = ex.Execute(context.Background(), func(context.Context, []byte) ([]byte, error) {
				return []byte("fresh"), nil
			}, payload)
		})
	}
}

func TestLoggingMiddleware_Coalesced(t *testing.T) {
	const followers = 3
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := mock_idempotent.NewMockLogger(ctrl)
	logger.EXPECT().Info("idempotent execution finished", "outcome", "executed", "duration", gomock.Any())
	logger.EXPECT().Info("idempotent execution finished", "outcome", "coalesced", "duration", gomock.Any()).
		Times(followers)

	e := newEngine(t, memory.New(), idempotent.WithInProcessCoalescing(true))
	ex := idempotent.LoggingMiddleware(logger)(e)

	started := make(chan struct{})
	release := make(chan struct{})
	op := func(context.Context, []byte) ([]byte, error) {
		close(started)
		<-release
		return []byte(`"shared"`), nil
	}

	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		_, err := ex.Execute(context.Background(), op, []byte(`{"id":1}`))
		require.NoError(t, err)
	}
	wg.Add(1)
	go run()
	<-started
	wg.Add(followers)
	for i := 0; i < followers; i++ {
		go run()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
}

func TestChainExecutor(t *testing.T) {
	var order []string
	mw := func(name string) idempotent.ExecutorMiddleware {
		return func(next idempotent.Executor) idempotent.Executor {
			return idempotent.ExecutorFunc(func(ctx context.Context, op idempotent.Operation, payload []byte) ([]byte, error) {
				order = append(order, name)
				return next.Execute(ctx, op, payload)
			})
		}
	}
	e := newEngine(t, memory.New())

	ex := idempotent.ChainExecutor(e, mw("outer"), mw("inner"))
	resp, err := ex.Execute(context.Background(), func(context.Context, []byte) ([]byte, error) {
		return []byte(`"ok"`), nil
	}, []byte(`{"id":1}`))
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(resp))
	require.Equal(t, []string{"outer", "inner"}, order)
}

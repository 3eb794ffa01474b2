package otelidempotent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/memory"
	"github.com/velmie/idempotent/otelidempotent"
)

func newTracing(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func newEngine(t *testing.T, opts ...idempotent.Option) *idempotent.Engine {
	t.Helper()
	opts = append([]idempotent.Option{idempotent.WithEventKeyPath("id")}, opts...)
	engine, err := idempotent.NewEngine(memory.New(), opts...)
	require.NoError(t, err)
	return engine
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func ok(_ context.Context, _ []byte) ([]byte, error) {
	return []byte(`"done"`), nil
}

func TestExecutorMiddlewareOutcomes(t *testing.T) {
	sr, tp := newTracing(t)
	engine := newEngine(t)
	ex := idempotent.ChainExecutor(engine, otelidempotent.ExecutorMiddleware(
		otelidempotent.WithTracerProvider(tp),
		otelidempotent.WithKeyBuilder(engine.KeyBuilder()),
		otelidempotent.WithSpanName("CreateOrder"),
	))

	ctx := context.Background()
	_, err := ex.Execute(ctx, ok, []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = ex.Execute(ctx, ok, []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = ex.Execute(ctx, ok, []byte(`{"other":"1"}`))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	expected := []string{"executed", "replayed", otelidempotent.OutcomeBypassed}
	for i, span := range spans {
		assert.Equal(t, "CreateOrder", span.Name())
		assert.Equal(t, otelidempotent.ScopeName, span.InstrumentationScope().Name)
		outcome, found := attr(span, otelidempotent.OutcomeAttribute)
		require.True(t, found)
		assert.Equal(t, expected[i], outcome.AsString())
	}

	key, found := attr(spans[0], otelidempotent.KeyAttribute)
	require.True(t, found)
	want, err := engine.KeyBuilder().BuildKey([]byte(`{"id":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, want, key.AsString())

	_, found = attr(spans[2], otelidempotent.KeyAttribute)
	assert.False(t, found, "bypassed execution has no key")
}

func TestExecutorMiddlewareRecordsError(t *testing.T) {
	sr, tp := newTracing(t)
	engine := newEngine(t)
	ex := otelidempotent.ExecutorMiddleware(otelidempotent.WithTracerProvider(tp))(engine)

	opErr := errors.New("operation failed")
	_, err := ex.Execute(context.Background(), func(context.Context, []byte) ([]byte, error) {
		return nil, opErr
	}, []byte(`{"id":"1"}`))
	require.ErrorIs(t, err, opErr)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, opErr.Error(), spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	outcome, _ := attr(spans[0], otelidempotent.OutcomeAttribute)
	assert.Equal(t, "error", outcome.AsString())
	size, _ := attr(spans[0], otelidempotent.PayloadSizeAttribute)
	assert.Equal(t, int64(len(`{"id":"1"}`)), size.AsInt64())
}

func TestExecutorMiddlewareValidationFailure(t *testing.T) {
	sr, tp := newTracing(t)
	engine := newEngine(t, idempotent.WithPayloadValidationPath("amount"))
	ex := otelidempotent.ExecutorMiddleware(otelidempotent.WithTracerProvider(tp))(engine)

	ctx := context.Background()
	_, err := ex.Execute(ctx, ok, []byte(`{"id":"1","amount":10}`))
	require.NoError(t, err)
	_, err = ex.Execute(ctx, ok, []byte(`{"id":"1","amount":20}`))
	require.ErrorIs(t, err, idempotent.ErrValidation)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	outcome, _ := attr(spans[1], otelidempotent.OutcomeAttribute)
	assert.Equal(t, "validation_failed", outcome.AsString())
}

func TestExecutorMiddlewareParentSpan(t *testing.T) {
	sr, tp := newTracing(t)
	engine := newEngine(t)
	ex := otelidempotent.ExecutorMiddleware()(engine)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	var opSpan bool
	_, err := ex.Execute(ctx, func(ctx context.Context, _ []byte) ([]byte, error) {
		opSpan = true
		return nil, nil
	}, []byte(`{"id":"1"}`))
	parent.End()
	require.NoError(t, err)
	require.True(t, opSpan)

	spans := sr.Ended()
	require.Len(t, spans, 2, "tracer provider is taken from the parent span")
	assert.Equal(t, otelidempotent.DefaultSpanName, spans[0].Name())
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, parent.SpanContext().TraceID(), spans[0].SpanContext().TraceID())
}

func TestExecutorMiddlewareCustomTracer(t *testing.T) {
	sr, tp := newTracing(t)
	engine := newEngine(t)
	ex := otelidempotent.ExecutorMiddleware(otelidempotent.WithTracer(tp.Tracer("custom")))(engine)

	_, err := ex.Execute(context.Background(), ok, []byte(`{"id":"1"}`))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "custom", spans[0].InstrumentationScope().Name)
}

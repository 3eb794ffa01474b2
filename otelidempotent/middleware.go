package otelidempotent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/idempotent"
)

// DefaultSpanName is used unless WithSpanName is given.
const DefaultSpanName = "idempotent execute"

// ExecutorMiddleware creates an executor middleware that wraps every execution in a span
// and records its outcome.
func ExecutorMiddleware(option ...Option) idempotent.ExecutorMiddleware {
	opts := defaultOptions()
	opts.apply(option)
	return func(next idempotent.Executor) idempotent.Executor {
		return idempotent.ExecutorFunc(func(ctx context.Context, op idempotent.Operation, payload []byte) ([]byte, error) {
			tracer := opts.tracer
			if tracer == nil {
				tp := opts.tracerProvider
				if span := trace.SpanFromContext(ctx); tp == nil && span.SpanContext().IsValid() {
					tp = span.TracerProvider()
				}
				if tp == nil {
					tp = otel.GetTracerProvider()
				}
				tracer = newTracer(tp)
			}

			attrs := []attribute.KeyValue{PayloadSizeAttribute.Int(len(payload))}
			var key string
			if opts.keys != nil {
				key, _ = opts.keys.BuildKey(payload)
				if key != "" {
					attrs = append(attrs, KeyAttribute.String(key))
				}
			}
			sopts := append(
				[]trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...)},
				opts.spanStartOptions...,
			)

			ctx, span := tracer.Start(ctx, opts.spanName, sopts...)
			defer span.End()

			tracked, executed := idempotent.TrackExecution(op)
			ctx, coalesced := idempotent.TrackCoalescing(ctx)
			resp, err := next.Execute(ctx, tracked, payload)

			outcome := string(idempotent.ClassifyTracked(executed, coalesced, err))
			if opts.keys != nil && key == "" && err == nil {
				outcome = OutcomeBypassed
			}
			span.SetAttributes(OutcomeAttribute.String(outcome))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			return resp, err
		})
	}
}

// Option is a functional option type for configuring tracing
type Option func(opts *options)

// WithTracer returns an Option that sets a custom tracer.
func WithTracer(t trace.Tracer) Option {
	return func(opts *options) {
		opts.tracer = t
	}
}

// WithTracerProvider returns an Option that sets the provider the tracer is taken from.
// By default the provider of the span found in the context is used, then the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opts *options) {
		opts.tracerProvider = tp
	}
}

// WithSpanStartOptions returns an Option that sets custom
// SpanStartOptions for starting new spans.
func WithSpanStartOptions(startOpts ...trace.SpanStartOption) Option {
	return func(opts *options) {
		opts.spanStartOptions = startOpts
	}
}

// WithSpanName sets the span name, e.g. the operation name.
func WithSpanName(name string) Option {
	return func(opts *options) {
		opts.spanName = name
	}
}

// WithKeyBuilder records the idempotency key on spans and reports executions without
// a key as OutcomeBypassed. Pass Engine.KeyBuilder().
func WithKeyBuilder(kb *idempotent.KeyBuilder) Option {
	return func(opts *options) {
		opts.keys = kb
	}
}

type options struct {
	tracer           trace.Tracer
	tracerProvider   trace.TracerProvider
	spanStartOptions []trace.SpanStartOption
	spanName         string
	keys             *idempotent.KeyBuilder
}

func (o *options) apply(opts []Option) *options {
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultOptions() *options {
	return &options{
		spanName: DefaultSpanName,
	}
}

package idempotent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Outcome describes how an execution was resolved. OutcomeCoalesced is a call
// that received the result of a concurrent execution in this process, see
// WithInProcessCoalescing.
type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomeReplayed         Outcome = "replayed"
	OutcomeCoalesced        Outcome = "coalesced"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeError            Outcome = "error"
)

// ClassifyOutcome maps the result of an Execute call to an Outcome.
// executed tells whether the wrapped operation was invoked.
func ClassifyOutcome(executed bool, err error) Outcome {
	switch {
	case errors.Is(err, ErrAlreadyInProgress):
		return OutcomeInProgress
	case errors.Is(err, ErrValidation):
		return OutcomeValidationFailed
	case err != nil:
		return OutcomeError
	case executed:
		return OutcomeExecuted
	default:
		return OutcomeReplayed
	}
}

// ClassifyTracked is ClassifyOutcome for a call tracked by TrackExecution and
// TrackCoalescing.
func ClassifyTracked(executed, coalesced *atomic.Bool, err error) Outcome {
	outcome := ClassifyOutcome(executed.Load(), err)
	if outcome == OutcomeReplayed && coalesced.Load() {
		return OutcomeCoalesced
	}
	return outcome
}

type coalescedKey struct{}

// TrackCoalescing returns a context under which the engine reports, through the
// returned flag, that the call shared the result of a concurrent execution.
func TrackCoalescing(ctx context.Context) (context.Context, *atomic.Bool) {
	coalesced := new(atomic.Bool)
	return context.WithValue(ctx, coalescedKey{}, coalesced), coalesced
}

func markCoalesced(ctx context.Context) {
	if coalesced, ok := ctx.Value(coalescedKey{}).(*atomic.Bool); ok {
		coalesced.Store(true)
	}
}

// TrackExecution wraps op so that the returned flag reports whether op was invoked.
func TrackExecution(op Operation) (Operation, *atomic.Bool) {
	executed := new(atomic.Bool)
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		executed.Store(true)
		return op(ctx, payload)
	}, executed
}

// Chain applies middleware to op; the first middleware becomes the outermost.
func Chain(op Operation, middleware ...Middleware) Operation {
	for i := len(middleware) - 1; i >= 0; i-- {
		op = middleware[i](op)
	}
	return op
}

// ChainExecutor applies executor middleware; the first middleware becomes the outermost.
func ChainExecutor(ex Executor, middleware ...ExecutorMiddleware) Executor {
	for i := len(middleware) - 1; i >= 0; i-- {
		ex = middleware[i](ex)
	}
	return ex
}

// PanicRecoveryMiddleware creates a middleware to recover from panics.
// It converts the panic into a regular error, so the engine releases the key
// and the caller observes a failure instead of a crash.
func PanicRecoveryMiddleware() Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					err = fmt.Errorf("panic recovered: %v\n%s", r, debug.Stack())
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware creates an executor middleware logging the outcome of each execution
// along with the time taken.
func LoggingMiddleware(logger Logger, options ...LoggingMiddlewareOption) ExecutorMiddleware {
	opts := &loggingMiddlewareOptions{
		logError: true,
		logPayloadFunc: func(payload []byte) string {
			const logPayloadMax = 4096
			if len(payload) > logPayloadMax {
				return string(payload[:logPayloadMax])
			}
			return string(payload)
		},
	}
	for _, opt := range options {
		opt(opts)
	}

	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, op Operation, payload []byte) ([]byte, error) {
			tracked, executed := TrackExecution(op)
			ctx, coalesced := TrackCoalescing(ctx)
			startTime := time.Now()
			resp, err := next.Execute(ctx, tracked, payload)
			duration := time.Since(startTime)

			outcome := ClassifyTracked(executed, coalesced, err)
			args := []any{
				"outcome", string(outcome),
				"duration", duration,
			}
			if opts.keys != nil {
				if key, kErr := opts.keys.BuildKey(payload); kErr == nil && key != "" {
					args = append(args, "key", key)
				}
			}
			if err != nil && opts.logError {
				args = append(args, "error", err.Error())
			}
			if opts.logPayload || err != nil && opts.logPayloadOnError {
				args = append(args, "payload", opts.logPayloadFunc(payload))
			}
			logF := logger.Info
			switch outcome {
			case OutcomeError, OutcomeValidationFailed:
				logF = logger.Error
			case OutcomeInProgress:
				logF = logger.Warn
			}
			logF("idempotent execution finished", args...)

			return resp, err
		})
	}
}

type loggingMiddlewareOptions struct {
	logError          bool
	logPayload        bool
	logPayloadOnError bool
	logPayloadFunc    func(payload []byte) string
	keys              *KeyBuilder
}

// LoggingMiddlewareOption defines a function type for setting logging middleware options.
type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

// WithLogError sets whether errors are added to the log record.
func WithLogError(logError bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.logError = logError
	}
}

// WithLogPayload sets whether the payload is always logged.
func WithLogPayload(logPayload bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.logPayload = logPayload
	}
}

// WithLogPayloadOnError sets whether the payload is logged when an error is returned.
func WithLogPayloadOnError(logPayloadOnError bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.logPayloadOnError = logPayloadOnError
	}
}

// WithLogPayloadFunc sets a custom function formatting the payload for logging.
func WithLogPayloadFunc(logPayloadFunc func(payload []byte) string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.logPayloadFunc = logPayloadFunc
	}
}

// WithLogKey adds the idempotency key derived by kb to each log record.
func WithLogKey(kb *KeyBuilder) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.keys = kb
	}
}

// Package idempotent provides exactly-once-effect execution of operations that may be
// invoked more than once for the same logical request.
//
// An Engine derives an idempotency key from the request payload, claims the key in a
// Store through a conditional write, runs the operation once and persists its result.
// Duplicates observe the stored result instead of running the operation again.
package idempotent

import "context"

//go:generate go run go.uber.org/mock/mockgen@v0.5.0 -source common.go -destination ./mock/common.go

// Operation is the unit of work made idempotent. The payload is a JSON document;
// the returned bytes are stored verbatim and replayed to duplicates.
type Operation func(ctx context.Context, payload []byte) ([]byte, error)

// Middleware defines a function type that takes an Operation and returns a modified Operation.
//
// Example:
//
//	func MyMiddleware(next Operation) Operation {
//	    return func(ctx context.Context, payload []byte) ([]byte, error) {
//	        // Pre-processing logic here
//	        resp, err := next(ctx, payload)
//	        // Post-processing logic here
//	        return resp, err
//	    }
//	}
type Middleware func(Operation) Operation

// Executor runs an operation under idempotency guarantees. *Engine is an Executor.
type Executor interface {
	Execute(ctx context.Context, op Operation, payload []byte) ([]byte, error)
}

// ExecutorFunc wraps a function to use it as an Executor
type ExecutorFunc func(ctx context.Context, op Operation, payload []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, op Operation, payload []byte) ([]byte, error) {
	return f(ctx, op, payload)
}

// ExecutorMiddleware decorates an Executor, e.g. with logging or tracing.
type ExecutorMiddleware func(Executor) Executor

// Logger abstracts the logging functionality
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

package idempotent

import (
	"fmt"
)

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrConfiguration is returned for a missing store, invalid options or a key that
	// is required but cannot be derived from the payload. It is never retried.
	ErrConfiguration = Error("idempotency configuration error")
	// ErrMissingKey is returned (along with ErrConfiguration) when RequireKey is set
	// and the event key path resolves to nothing.
	ErrMissingKey = Error("idempotency key is missing")
	// ErrValidation signals that the key was reused with a different payload.
	ErrValidation = Error("payload does not match the stored idempotency record")
	// ErrAlreadyInProgress signals that another caller holds the slot for the key.
	ErrAlreadyInProgress = Error("request with the same idempotency key is already in progress")
	// ErrPersistence matches every *StoreError.
	ErrPersistence = Error("idempotency persistence store error")

	// ErrRecordNotFound is returned by Store implementations.
	ErrRecordNotFound = Error("idempotency record not found")
	// ErrSlotHeld is returned by Store.PutIfAbsentOrExpired when a live record exists.
	ErrSlotHeld = Error("idempotency slot is held")
)

// StoreError describes a failed Store call.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("idempotency store %s %q: %s", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrPersistence as a match so callers need not know the concrete type.
func (e *StoreError) Is(target error) bool {
	return target == ErrPersistence
}

func storeError(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

package idempotent

import (
	"context"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen@v0.5.0 -source store.go -destination ./mock/store.go

// Store is the conditional-write key/value contract the engine relies on.
// Every method must be atomic with respect to concurrent callers, possibly
// running on other machines; the engine never locks around them.
//
// A zero ExpiresAt means the record never expires: it is never reclaimed on
// account of its lifetime and Get returns it with a zero ExpiresAt. A completed
// record keeps its response exactly, an empty response included.
type Store interface {
	// Get returns the record stored under key or ErrRecordNotFound.
	// Expired records may be returned; the engine decides what they mean.
	Get(ctx context.Context, key string) (*Record, error)
	// PutIfAbsentOrExpired stores rec only if there is no record for rec.Key,
	// or the existing one is expired or abandoned at now. Otherwise it returns ErrSlotHeld.
	PutIfAbsentOrExpired(ctx context.Context, rec *Record, now time.Time) error
	// CompleteRecord moves an in-progress record owned by token to completed.
	// It returns ErrRecordNotFound if there is no such in-progress record.
	// An empty token skips the ownership check.
	CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error
	// Delete removes the record. A non-empty token restricts deletion to the owner.
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, key, token string) error
}

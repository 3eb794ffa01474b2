package idempotent

import (
	"bytes"
	"time"
)

// Status is the stored state of an idempotency record.
// An expired record is not a stored status, see Record.IsExpired.
type Status string

const (
	StatusInProgress Status = "INPROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Record is the unit of persistence, one per idempotency key.
type Record struct {
	Key    string
	Status Status
	// Response is the serialized result, set only for completed records.
	Response []byte
	// PayloadHash is the fingerprint of the validated payload fragment, if any.
	PayloadHash string
	// Token identifies the caller that claimed the slot.
	Token string
	// ExpiresAt bounds the lifetime of the record regardless of status.
	ExpiresAt time.Time
	// InProgressExpiresAt bounds how long a slot may stay claimed.
	InProgressExpiresAt time.Time
}

// IsExpired reports whether the record has outlived ExpiresAt.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// IsAbandoned reports whether an in-progress record has outlived InProgressExpiresAt.
func (r *Record) IsAbandoned(now time.Time) bool {
	return r.Status == StatusInProgress &&
		!r.InProgressExpiresAt.IsZero() &&
		!now.Before(r.InProgressExpiresAt)
}

// Reclaimable reports whether a new caller may claim the key over this record.
func (r *Record) Reclaimable(now time.Time) bool {
	return r.IsExpired(now) || r.IsAbandoned(now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Response = bytes.Clone(r.Response)
	return &c
}

// Package memory provides an in-process idempotent.Store.
//
// It is the reference implementation of the Store contract: a map guarded by a
// single mutex, which makes every method trivially atomic. It is suitable for
// tests and single-process deployments.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/velmie/idempotent"
)

// Store keeps records in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]*idempotent.Record

	now      func() time.Time
	interval time.Duration
	done     chan struct{}
	closed   bool
}

// Option configures the store.
type Option func(*Store)

// WithJanitor starts a goroutine removing expired records every interval.
// Call Close to stop it.
func WithJanitor(interval time.Duration) Option {
	return func(s *Store) {
		s.interval = interval
	}
}

// WithClock sets the clock used by the janitor.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*idempotent.Record),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval > 0 {
		go s.janitor()
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, idempotent.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && !existing.Reclaimable(now) {
		return idempotent.ErrSlotHeld
	}
	s.records[rec.Key] = rec.Clone()
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Status != idempotent.StatusInProgress || token != "" && rec.Token != token {
		return idempotent.ErrRecordNotFound
	}
	rec.Status = idempotent.StatusCompleted
	rec.Response = bytes.Clone(response)
	rec.ExpiresAt = expiresAt
	rec.InProgressExpiresAt = time.Time{}
	return nil
}

func (s *Store) Delete(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || token != "" && rec.Token != token {
		return nil
	}
	delete(s.records, key)
	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep removes every expired record and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.IsExpired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// Close stops the janitor, if any. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(s.now())
		case <-s.done:
			return
		}
	}
}

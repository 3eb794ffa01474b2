package brokermw_test

import (
	"context"
	"sync"
	"time"

	"github.com/velmie/idempotent"
)

type storeSpy struct {
	inner idempotent.Store

	mu sync.Mutex

	getCalls      int
	putCalls      int
	completeCalls int
	deleteCalls   int

	failCompleteErr       error
	failCompleteRemaining int
}

func newStoreSpy(inner idempotent.Store) *storeSpy {
	return &storeSpy{inner: inner}
}

func (s *storeSpy) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	return s.inner.Get(ctx, key)
}

func (s *storeSpy) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	s.mu.Lock()
	s.putCalls++
	s.mu.Unlock()
	return s.inner.PutIfAbsentOrExpired(ctx, rec, now)
}

func (s *storeSpy) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	s.mu.Lock()
	s.completeCalls++
	if s.failCompleteRemaining > 0 {
		s.failCompleteRemaining--
		err := s.failCompleteErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.inner.CompleteRecord(ctx, key, token, response, expiresAt)
}

func (s *storeSpy) Delete(ctx context.Context, key, token string) error {
	s.mu.Lock()
	s.deleteCalls++
	s.mu.Unlock()
	return s.inner.Delete(ctx, key, token)
}

func (s *storeSpy) counts() (get, put, complete, del int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls, s.putCalls, s.completeCalls, s.deleteCalls
}

// Package storetest provides a conformance suite for idempotent.Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/velmie/idempotent"
)

// Factory returns a store under test. Stores may be shared between tests:
// every test uses its own keys.
type Factory func(t *testing.T) idempotent.Store

// Run executes the conformance suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	suite.Run(t, &Suite{NewStore: newStore})
}

// Suite checks the Store contract the engine relies on.
type Suite struct {
	suite.Suite

	NewStore Factory
	store    idempotent.Store
	ctx      context.Context
	now      time.Time
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore(s.T())
	s.ctx = context.Background()
	s.now = time.Now().Truncate(time.Millisecond)
}

func (s *Suite) key() string {
	return "storetest#" + uuid.NewString()
}

func (s *Suite) inProgress(key string) *idempotent.Record {
	return &idempotent.Record{
		Key:                 key,
		Status:              idempotent.StatusInProgress,
		PayloadHash:         "hash",
		Token:               uuid.NewString(),
		ExpiresAt:           s.now.Add(time.Hour),
		InProgressExpiresAt: s.now.Add(time.Minute),
	}
}

func (s *Suite) TestGetMissing() {
	rec, err := s.store.Get(s.ctx, s.key())
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)
	s.Require().Nil(rec)
}

func (s *Suite) TestPutThenGet() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(claim.Key, got.Key)
	s.Equal(idempotent.StatusInProgress, got.Status)
	s.Equal(claim.PayloadHash, got.PayloadHash)
	s.Equal(claim.Token, got.Token)
	s.Empty(got.Response)
	s.WithinDuration(claim.ExpiresAt, got.ExpiresAt, time.Second)
	s.WithinDuration(claim.InProgressExpiresAt, got.InProgressExpiresAt, time.Millisecond)
}

func (s *Suite) TestPutOverLiveInProgress() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	err := s.store.PutIfAbsentOrExpired(s.ctx, s.inProgress(claim.Key), s.now.Add(time.Second))
	s.Require().ErrorIs(err, idempotent.ErrSlotHeld)

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(claim.Token, got.Token)
}

func (s *Suite) TestPutOverAbandonedInProgress() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	later := s.now.Add(2 * time.Minute)
	next := s.inProgress(claim.Key)
	next.InProgressExpiresAt = later.Add(time.Minute)
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, next, later))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(next.Token, got.Token)
}

func (s *Suite) TestPutOverLiveCompleted() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`{"ok":true}`), s.now.Add(time.Hour)))

	// past the in-progress bound, but the completed record is still live
	err := s.store.PutIfAbsentOrExpired(s.ctx, s.inProgress(claim.Key), s.now.Add(2*time.Minute))
	s.Require().ErrorIs(err, idempotent.ErrSlotHeld)
}

func (s *Suite) TestPutOverExpiredCompleted() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`{"ok":true}`), s.now.Add(time.Hour)))

	later := s.now.Add(2 * time.Hour)
	next := s.inProgress(claim.Key)
	next.ExpiresAt = later.Add(time.Hour)
	next.InProgressExpiresAt = later.Add(time.Minute)
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, next, later))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(idempotent.StatusInProgress, got.Status)
	s.Equal(next.Token, got.Token)
	s.Empty(got.Response)
}

func (s *Suite) TestCompleteRecord() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	expiresAt := s.now.Add(2 * time.Hour)
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`{"orderId":"O-1"}`), expiresAt))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(idempotent.StatusCompleted, got.Status)
	s.Equal(`{"orderId":"O-1"}`, string(got.Response))
	s.Equal(claim.PayloadHash, got.PayloadHash)
	s.WithinDuration(expiresAt, got.ExpiresAt, time.Second)
}

func (s *Suite) TestCompleteRecordEmptyResponse() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte{}, s.now.Add(time.Hour)))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(idempotent.StatusCompleted, got.Status)
	s.NotNil(got.Response)
	s.Empty(got.Response)
}

func (s *Suite) TestBinaryResponse() {
	response := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0x00, 0xfe}
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, response, s.now.Add(time.Hour)))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(response, got.Response)
}

func (s *Suite) TestNeverExpiringClaim() {
	claim := s.inProgress(s.key())
	claim.ExpiresAt = time.Time{}
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.True(got.ExpiresAt.IsZero())

	err = s.store.PutIfAbsentOrExpired(s.ctx, s.inProgress(claim.Key), s.now.Add(30*time.Second))
	s.Require().ErrorIs(err, idempotent.ErrSlotHeld)

	// only the in-progress bound frees it
	later := s.now.Add(2 * time.Minute)
	next := s.inProgress(claim.Key)
	next.InProgressExpiresAt = later.Add(time.Minute)
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, next, later))
}

func (s *Suite) TestNeverExpiringCompleted() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`"kept"`), time.Time{}))

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.True(got.ExpiresAt.IsZero())
	s.True(got.InProgressExpiresAt.IsZero())

	later := s.now.Add(10 * 365 * 24 * time.Hour)
	next := s.inProgress(claim.Key)
	next.ExpiresAt = later.Add(time.Hour)
	next.InProgressExpiresAt = later.Add(time.Minute)
	err = s.store.PutIfAbsentOrExpired(s.ctx, next, later)
	s.Require().ErrorIs(err, idempotent.ErrSlotHeld)

	got, err = s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(`"kept"`, string(got.Response))
}

func (s *Suite) TestCompleteRecordWrongToken() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	err := s.store.CompleteRecord(s.ctx, claim.Key, uuid.NewString(), []byte(`{}`), s.now.Add(time.Hour))
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(idempotent.StatusInProgress, got.Status)
}

func (s *Suite) TestCompleteRecordMissing() {
	err := s.store.CompleteRecord(s.ctx, s.key(), uuid.NewString(), []byte(`{}`), s.now.Add(time.Hour))
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)
}

func (s *Suite) TestCompleteRecordTwice() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))
	s.Require().NoError(s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`"first"`), s.now.Add(time.Hour)))

	err := s.store.CompleteRecord(s.ctx, claim.Key, claim.Token, []byte(`"second"`), s.now.Add(time.Hour))
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)

	got, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err)
	s.Equal(`"first"`, string(got.Response))
}

func (s *Suite) TestDelete() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	s.Require().NoError(s.store.Delete(s.ctx, claim.Key, uuid.NewString()))
	_, err := s.store.Get(s.ctx, claim.Key)
	s.Require().NoError(err, "a foreign token must not delete the record")

	s.Require().NoError(s.store.Delete(s.ctx, claim.Key, claim.Token))
	_, err = s.store.Get(s.ctx, claim.Key)
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)

	// the slot is free again
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, s.inProgress(claim.Key), s.now))
}

func (s *Suite) TestDeleteWithoutToken() {
	claim := s.inProgress(s.key())
	s.Require().NoError(s.store.PutIfAbsentOrExpired(s.ctx, claim, s.now))

	s.Require().NoError(s.store.Delete(s.ctx, claim.Key, ""))
	_, err := s.store.Get(s.ctx, claim.Key)
	s.Require().ErrorIs(err, idempotent.ErrRecordNotFound)
}

func (s *Suite) TestDeleteMissing() {
	s.Require().NoError(s.store.Delete(s.ctx, s.key(), ""))
}

func (s *Suite) TestConcurrentClaim() {
	const workers = 16
	key := s.key()

	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		held atomic.Int32
	)
	failures := make(chan error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := s.store.PutIfAbsentOrExpired(s.ctx, s.inProgress(key), s.now)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, idempotent.ErrSlotHeld):
				held.Add(1)
			default:
				failures <- err
			}
		}()
	}
	wg.Wait()
	close(failures)

	for err := range failures {
		s.Require().NoError(err)
	}
	s.Equal(int32(1), won.Load())
	s.Equal(int32(workers-1), held.Load())
}

// Package natskv implements idempotent.Store on a NATS JetStream key/value bucket.
//
// Records are JSON documents. Conditional writes use the bucket's per-key revision:
// Create succeeds only for absent keys and Update only if the revision read earlier
// is still the latest one.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/velmie/idempotent"
)

type record struct {
	Status               idempotent.Status `json:"status"`
	Data                 []byte            `json:"data"`
	Validation           string            `json:"validation,omitempty"`
	Token                string            `json:"token,omitempty"`
	Expiration           int64             `json:"expiration,omitempty"`
	InProgressExpiration int64             `json:"in_progress_expiration,omitempty"`
}

// Store keeps records in a key/value bucket.
type Store struct {
	kv jetstream.KeyValue
}

// New creates a store over kv, see conn.Connection.Bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

func (s *Store) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	rec, _, err := s.get(ctx, key)
	return rec, err
}

func (s *Store) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	data, err := json.Marshal(encode(rec))
	if err != nil {
		return errors.Wrap(err, "cannot encode record")
	}
	k := subjectKey(rec.Key)

	_, err = s.kv.Create(ctx, k, data)
	if err == nil {
		return nil
	}
	if !isRevisionConflict(err) {
		return errors.Wrap(err, "cannot create key")
	}

	existing, revision, err := s.get(ctx, rec.Key)
	if errors.Is(err, idempotent.ErrRecordNotFound) {
		// removed in between, the next attempt starts over
		return idempotent.ErrSlotHeld
	}
	if err != nil {
		return err
	}
	if !existing.Reclaimable(now) {
		return idempotent.ErrSlotHeld
	}
	if _, err = s.kv.Update(ctx, k, data, revision); err != nil {
		if isRevisionConflict(err) {
			return idempotent.ErrSlotHeld
		}
		return errors.Wrap(err, "cannot update key")
	}
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	rec, revision, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != idempotent.StatusInProgress || token != "" && rec.Token != token {
		return idempotent.ErrRecordNotFound
	}
	rec.Status = idempotent.StatusCompleted
	rec.Response = response
	rec.ExpiresAt = expiresAt
	rec.InProgressExpiresAt = time.Time{}

	data, err := json.Marshal(encode(rec))
	if err != nil {
		return errors.Wrap(err, "cannot encode record")
	}
	if _, err = s.kv.Update(ctx, subjectKey(key), data, revision); err != nil {
		if isRevisionConflict(err) {
			return idempotent.ErrRecordNotFound
		}
		return errors.Wrap(err, "cannot update key")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key, token string) error {
	rec, revision, err := s.get(ctx, key)
	if errors.Is(err, idempotent.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if token != "" && rec.Token != token {
		return nil
	}
	err = s.kv.Delete(ctx, subjectKey(key), jetstream.LastRevision(revision))
	if err != nil && !isRevisionConflict(err) {
		return errors.Wrap(err, "cannot delete key")
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (*idempotent.Record, uint64, error) {
	entry, err := s.kv.Get(ctx, subjectKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, idempotent.ErrRecordNotFound
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "cannot get key")
	}
	var r record
	if err = json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, 0, errors.Wrapf(err, "cannot decode record at revision %d", entry.Revision())
	}
	return decode(key, r), entry.Revision(), nil
}

// subjectKey maps an idempotency key onto the characters allowed in bucket keys.
func subjectKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func encode(rec *idempotent.Record) record {
	r := record{
		Status:     rec.Status,
		Data:       rec.Response,
		Validation: rec.PayloadHash,
		Token:      rec.Token,
	}
	if !rec.ExpiresAt.IsZero() {
		r.Expiration = rec.ExpiresAt.UnixMilli()
	}
	if !rec.InProgressExpiresAt.IsZero() {
		r.InProgressExpiration = rec.InProgressExpiresAt.UnixMilli()
	}
	return r
}

func decode(key string, r record) *idempotent.Record {
	rec := &idempotent.Record{
		Key:         key,
		Status:      r.Status,
		Response:    r.Data,
		PayloadHash: r.Validation,
		Token:       r.Token,
	}
	if r.Expiration != 0 {
		rec.ExpiresAt = time.UnixMilli(r.Expiration)
	}
	if r.InProgressExpiration != 0 {
		rec.InProgressExpiresAt = time.UnixMilli(r.InProgressExpiration)
	}
	return rec
}

package idempotent

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Engine runs operations at most once per idempotency key.
//
// An Engine is meant to be created once at process start and shared; it is safe for
// concurrent use. All coordination between processes happens through the Store's
// conditional writes.
type Engine struct {
	cfg   Config
	store Store
	keys  *KeyBuilder
	cache Cache
	group *singleflight.Group
	log   Logger
}

// NewEngine creates an Engine backed by store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.Wrap(ErrConfiguration, "persistence store is required")
	}
	cfg := NewConfig(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keys, err := NewKeyBuilder(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: store,
		keys:  keys,
		log:   cfg.Logger,
	}
	if cfg.UseLocalCache {
		e.cache = cfg.Cache
		if e.cache == nil {
			e.cache = NewLRUCache(cfg.LocalCacheCapacity)
		}
	}
	if cfg.InProcessCoalescing {
		e.group = new(singleflight.Group)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// KeyBuilder returns the key builder derived from the configuration.
func (e *Engine) KeyBuilder() *KeyBuilder {
	return e.keys
}

// Middleware returns an operation middleware that routes every call through Execute.
func (e *Engine) Middleware() Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return e.Execute(ctx, next, payload)
		}
	}
}

// Execute runs op with payload unless a result for the same idempotency key exists,
// in which case the stored result is returned and op is not invoked.
//
// Errors returned by op are passed through unchanged after the key is released.
// Engine errors match ErrConfiguration, ErrValidation, ErrAlreadyInProgress or
// ErrPersistence via errors.Is.
func (e *Engine) Execute(ctx context.Context, op Operation, payload []byte) ([]byte, error) {
	if e.cfg.Disabled {
		return op(ctx, payload)
	}

	key, err := e.keys.BuildKey(payload)
	if err != nil {
		return nil, err
	}
	if key == "" {
		e.log.Debug("no idempotency key found in payload, running without idempotency")
		return op(ctx, payload)
	}
	hash, err := e.keys.BuildValidationHash(payload)
	if err != nil {
		return nil, err
	}

	if e.group == nil {
		return e.execute(ctx, op, payload, key, hash)
	}
	var leader bool
	v, err, shared := e.group.Do(key+"\x00"+hash, func() (any, error) {
		leader = true
		return e.execute(ctx, op, payload, key, hash)
	})
	resp, _ := v.([]byte)
	if shared && !leader {
		markCoalesced(ctx)
	}
	if shared && resp != nil {
		resp = append([]byte(nil), resp...)
	}
	return resp, err
}

func (e *Engine) execute(ctx context.Context, op Operation, payload []byte, key, hash string) ([]byte, error) {
	if e.cache != nil {
		if rec, ok := e.cache.Get(key, e.cfg.Now()); ok {
			if err := e.validate(rec, hash); err != nil {
				return nil, err
			}
			e.log.Debug("idempotent result replayed from local cache", "key", key)
			return e.replay(key, rec.Response), nil
		}
	}

	for attempt := 1; ; attempt++ {
		now := e.cfg.Now()
		rec, err := e.store.Get(ctx, key)
		switch {
		case err == nil && rec != nil && !rec.Reclaimable(now):
			return e.handleLive(rec, hash)
		case err != nil && !errors.Is(err, ErrRecordNotFound):
			return e.storeFailure(ctx, op, payload, storeError("get", key, err))
		}

		claim := &Record{
			Key:                 key,
			Status:              StatusInProgress,
			PayloadHash:         hash,
			Token:               uuid.NewString(),
			ExpiresAt:           now.Add(e.cfg.Expiration),
			InProgressExpiresAt: now.Add(e.cfg.InProgressExpiration),
		}
		err = e.store.PutIfAbsentOrExpired(ctx, claim, now)
		if err == nil {
			return e.runOwner(ctx, op, payload, claim)
		}
		if !errors.Is(err, ErrSlotHeld) {
			return e.storeFailure(ctx, op, payload, storeError("put", key, err))
		}
		if attempt >= e.cfg.ClaimAttempts {
			return nil, errors.Wrapf(ErrAlreadyInProgress, "key %q", key)
		}
		e.log.Debug("idempotency slot is held, retrying lookup", "key", key, "attempt", attempt)
		if err = e.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// handleLive resolves a lookup that found a record which is neither expired nor abandoned.
func (e *Engine) handleLive(rec *Record, hash string) ([]byte, error) {
	if err := e.validate(rec, hash); err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusCompleted:
		if e.cache != nil {
			e.cache.Add(rec)
		}
		e.log.Debug("idempotent result replayed from store", "key", rec.Key)
		return e.replay(rec.Key, rec.Response), nil
	case StatusInProgress:
		return nil, errors.Wrapf(ErrAlreadyInProgress, "key %q", rec.Key)
	default:
		return nil, storeError("get", rec.Key, errors.Errorf("unknown record status %q", rec.Status))
	}
}

// runOwner invokes op on behalf of the caller that claimed the slot.
func (e *Engine) runOwner(ctx context.Context, op Operation, payload []byte, claim *Record) ([]byte, error) {
	e.log.Debug("idempotency slot claimed", "key", claim.Key)

	releaseOnReturn := true
	defer func() {
		if releaseOnReturn {
			e.release(ctx, claim)
		}
	}()

	resp, err := op(ctx, payload)
	if err != nil {
		return resp, err
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()
	expiresAt := e.cfg.Now().Add(e.cfg.Expiration)
	cErr := e.store.CompleteRecord(commitCtx, claim.Key, claim.Token, resp, expiresAt)
	if cErr == nil {
		releaseOnReturn = false
		if e.cache != nil {
			e.cache.Add(&Record{
				Key:         claim.Key,
				Status:      StatusCompleted,
				Response:    resp,
				PayloadHash: claim.PayloadHash,
				Token:       claim.Token,
				ExpiresAt:   expiresAt,
			})
		}
		return resp, nil
	}
	if errors.Is(cErr, ErrRecordNotFound) {
		releaseOnReturn = false
		e.log.Warn("idempotency slot was reclaimed before completion, result not stored", "key", claim.Key)
		return resp, nil
	}

	sErr := storeError("complete", claim.Key, cErr)
	e.log.Error("failed to store idempotent result", "key", claim.Key, "error", sErr.Error())
	switch e.cfg.CommitErrorMode {
	case CommitFailOpen:
		releaseOnReturn = false
		return resp, nil
	case CommitFailClosedUnlock:
		return nil, sErr
	default:
		releaseOnReturn = false
		return nil, sErr
	}
}

// release frees a claimed slot so that an immediate retry executes again.
func (e *Engine) release(ctx context.Context, claim *Record) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()
	if err := e.store.Delete(releaseCtx, claim.Key, claim.Token); err != nil {
		e.log.Error("failed to release idempotency slot", "key", claim.Key, "error", err.Error())
	}
}

func (e *Engine) storeFailure(ctx context.Context, op Operation, payload []byte, err error) ([]byte, error) {
	if e.cfg.StoreErrorMode != StoreFailOpen || ctx.Err() != nil {
		return nil, err
	}
	e.log.Warn("idempotency store unavailable, running without idempotency", "error", err.Error())
	return op(ctx, payload)
}

func (e *Engine) validate(rec *Record, hash string) error {
	if !e.keys.ValidatesPayload() || rec.PayloadHash == "" {
		return nil
	}
	if rec.PayloadHash != hash {
		return errors.Wrapf(ErrValidation, "key %q", rec.Key)
	}
	return nil
}

func (e *Engine) replay(key string, response []byte) []byte {
	if e.cfg.OnReplay != nil {
		e.cfg.OnReplay(key, response)
	}
	return response
}

// backoff waits before the next claim attempt: exponential, capped, with jitter.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.cfg.ClaimBackoff << (attempt - 1)
	if d > e.cfg.ClaimBackoffMax || d <= 0 {
		d = e.cfg.ClaimBackoffMax
	}
	if d == 0 {
		return ctx.Err()
	}
	d = d/2 + rand.N(d/2+1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

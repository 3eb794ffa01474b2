package idempotent

import (
	"context"
	"fmt"
)

// Do runs fn under the engine's idempotency guarantees.
//
// The request is encoded with the engine's Encoder to build the payload the key is
// derived from. The caller that executes fn receives fn's own result; duplicates
// receive the stored result decoded with the engine's Decoder. Errors from fn are
// returned unchanged.
func Do[REQ any, RESP any](
	ctx context.Context,
	e *Engine,
	fn func(ctx context.Context, req REQ) (RESP, error),
	req REQ,
) (RESP, error) {
	var (
		result   RESP
		executed bool
	)
	payload, err := e.cfg.Encoder.Encode(req)
	if err != nil {
		return result, fmt.Errorf("cannot encode request: %w", err)
	}

	op := func(ctx context.Context, _ []byte) ([]byte, error) {
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		data, err := e.cfg.Encoder.Encode(resp)
		if err != nil {
			return nil, fmt.Errorf("cannot encode response: %w", err)
		}
		result, executed = resp, true
		return data, nil
	}

	data, err := e.Execute(ctx, op, payload)
	if err != nil || executed {
		return result, err
	}
	if err = e.cfg.Decoder.Decode(data, &result); err != nil {
		return result, fmt.Errorf("cannot decode stored response: %w", err)
	}
	return result, nil
}

// Wrap turns fn into an idempotent function bound to the engine.
func Wrap[REQ any, RESP any](
	e *Engine,
	fn func(ctx context.Context, req REQ) (RESP, error),
) func(ctx context.Context, req REQ) (RESP, error) {
	return func(ctx context.Context, req REQ) (RESP, error) {
		return Do(ctx, e, fn, req)
	}
}

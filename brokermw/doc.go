// Package brokermw provides a github.com/velmie/broker middleware for idempotent
// message handling backed by an idempotent.Engine.
//
// Each event is rendered as a JSON Envelope that the engine derives the key from.
// The wrapped handler runs once per key; subsequent deliveries with the same key are
// treated as replays and are acknowledged by returning nil without executing the handler.
// Handler errors release the key so that redelivery processes the event again.
package brokermw

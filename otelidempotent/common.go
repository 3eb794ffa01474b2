// Package otelidempotent integrates OpenTelemetry tracing with idempotent executions.
package otelidempotent

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope name.
const (
	ScopeName = "github.com/velmie/idempotent/otelidempotent"
	Version   = "0.1.0"
)

// Attribute keys recorded on execution spans.
const (
	KeyAttribute         = attribute.Key("idempotency.key")
	OutcomeAttribute     = attribute.Key("idempotency.outcome")
	PayloadSizeAttribute = attribute.Key("idempotency.payload_size")
)

// OutcomeBypassed marks executions that ran without idempotency because no key was derived.
const OutcomeBypassed = "bypassed"

func newTracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer(ScopeName, trace.WithInstrumentationVersion(Version))
}

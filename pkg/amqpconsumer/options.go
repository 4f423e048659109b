package amqpconsumer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"

// Ledger remembers message IDs that were already handed to a subscriber.
// See the cache package for implementations.
type Ledger interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string) error
}

// Option configures a StreamingBridge or BatchPoller.
type Option func(*options)

type options struct {
	ledger  Ledger
	metrics *Metrics
	tracer  trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{tracer: otel.Tracer(instrumentationName)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLedger enables suppression of redelivered messages that were already
// emitted once but whose acknowledgement was skipped.
func WithLedger(l Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithMetrics records counters into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(instrumentationName) }
}

package amqpconsumer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-amqptrigger/pkg/serde"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ackStatusAcked   = "acked"
	ackStatusSkipped = "skipped"
	ackStatusFailed  = "failed"
)

// DeliveryAdapter turns broker callbacks into records on the output channel.
// Deliveries are handled one at a time: the ack for one delivery is issued
// before the caller reads the next one from the broker client.
type DeliveryAdapter struct {
	queue     string
	decoder   serde.Decoder
	gate      *AckGate
	lifecycle *LifecycleController
	out       chan<- Record
	ledger    Ledger
	metrics   *Metrics
	tracer    trace.Tracer
	logger    zerolog.Logger

	// cancelPending is true while an explicit consumer cancel is still owed
	// to the broker during teardown.
	cancelPending atomic.Bool

	mu  sync.Mutex
	err error
}

func newDeliveryAdapter(
	queue string,
	decoder serde.Decoder,
	gate *AckGate,
	lifecycle *LifecycleController,
	out chan<- Record,
	o options,
	logger zerolog.Logger,
) *DeliveryAdapter {
	return &DeliveryAdapter{
		queue:     queue,
		decoder:   decoder,
		gate:      gate,
		lifecycle: lifecycle,
		out:       out,
		ledger:    o.ledger,
		metrics:   o.metrics,
		tracer:    o.tracer,
		logger:    logger.With().Str("component", "DeliveryAdapter").Logger(),
	}
}

// OnDelivery decodes d, hands the record to the subscriber and acknowledges it.
// A decode or ack failure is captured and stops the consumer; the failing
// delivery is left unacknowledged for the broker to redeliver.
func (a *DeliveryAdapter) OnDelivery(ctx context.Context, d amqp.Delivery) {
	ctx, span := a.tracer.Start(ctx, "amqp.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", a.queue),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag)),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
		))
	defer span.End()

	log := a.logger.With().Uint64("delivery_tag", d.DeliveryTag).Logger()

	if !a.lifecycle.IsActive() {
		log.Debug().Msg("Consumer stopping, leaving delivery unacknowledged.")
		return
	}

	props := deliveryProperties(d)
	value, err := a.decoder.Decode(d.Body, props)
	if err != nil {
		a.metrics.decodeFailure(a.queue)
		decodeErr := &DecodeError{DeliveryTag: d.DeliveryTag, Err: err}
		span.RecordError(decodeErr)
		span.SetStatus(codes.Error, "decode failed")
		a.fail(decodeErr)
		return
	}

	if a.alreadyEmitted(ctx, d) {
		log.Info().Str("msg_id", d.MessageId).Msg("Redelivered message was already emitted, acking without re-emitting.")
		a.ack(log, d.DeliveryTag)
		return
	}

	record := newRecord(a.queue, d, props, value)
	select {
	case a.out <- record:
	case <-a.lifecycle.Stopping():
		log.Debug().Msg("Consumer stopping before the record was taken, leaving delivery unacknowledged.")
		return
	}
	a.metrics.recordDelivered(a.queue)
	log.Debug().Str("msg_id", record.ID).Msg("Record emitted.")

	a.remember(ctx, d)
	a.ack(log, d.DeliveryTag)
}

// OnCancel handles a consumer cancelled by the broker, for example because
// the queue was deleted. It ends the stream gracefully.
func (a *DeliveryAdapter) OnCancel(consumerTag string) {
	a.cancelPending.Store(false)
	a.metrics.brokerCancelled(a.queue)
	a.logger.Info().Str("consumer_tag", consumerTag).Msg("Consumer has been cancelled by the broker.")
	a.lifecycle.RequestStop(false)
}

// OnConsumerRegistered is called once the broker confirmed the consumer.
func (a *DeliveryAdapter) OnConsumerRegistered(consumerTag string) {
	a.logger.Debug().Str("consumer_tag", consumerTag).Msg("Consumer registered.")
}

// Err returns the first error captured while handling deliveries.
func (a *DeliveryAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *DeliveryAdapter) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.logger.Error().Err(err).Msg("Delivery handling failed, stopping consumer.")
	a.lifecycle.RequestStop(false)
}

func (a *DeliveryAdapter) ack(log zerolog.Logger, tag uint64) {
	acked, err := a.gate.Ack(tag)
	switch {
	case err != nil:
		a.metrics.ack(a.queue, ackStatusFailed)
		a.fail(&ConnectionError{Op: "ack", Err: err})
	case !acked:
		a.metrics.ack(a.queue, ackStatusSkipped)
		log.Debug().Msg("Channel closed, skipping ack.")
	default:
		a.metrics.ack(a.queue, ackStatusAcked)
	}
}

// armCancel records that the consumer is registered and must be cancelled
// explicitly on teardown.
func (a *DeliveryAdapter) armCancel() {
	a.cancelPending.Store(true)
}

// takeCancel reports whether teardown still owes the broker a consumer
// cancel, and clears the obligation.
func (a *DeliveryAdapter) takeCancel() bool {
	return a.cancelPending.CompareAndSwap(true, false)
}

func (a *DeliveryAdapter) alreadyEmitted(ctx context.Context, d amqp.Delivery) bool {
	if a.ledger == nil || !d.Redelivered || d.MessageId == "" {
		return false
	}
	seen, err := a.ledger.Seen(ctx, d.MessageId)
	if err != nil {
		a.logger.Warn().Err(err).Str("msg_id", d.MessageId).Msg("Ledger lookup failed, emitting redelivered message.")
		return false
	}
	return seen
}

func (a *DeliveryAdapter) remember(ctx context.Context, d amqp.Delivery) {
	if a.ledger == nil || d.MessageId == "" {
		return
	}
	if err := a.ledger.MarkSeen(ctx, d.MessageId); err != nil {
		a.logger.Warn().Err(err).Str("msg_id", d.MessageId).Msg("Failed to record message in ledger.")
	}
}

// Package amqpconsumer adapts a push-based AMQP consumer into a cancellable
// stream of decoded records, and provides a bounded batch poller built on
// the same connection boundary.
package amqpconsumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-amqptrigger/pkg/serde"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// StreamingBridge opens one exclusively owned connection and channel per
// Subscribe call and streams every delivery on the configured queue until
// the stream is stopped, fails, or the broker cancels the consumer.
type StreamingBridge struct {
	cfg     *Config
	factory ConnectionFactory
	decoder serde.Decoder
	opts    options
	logger  zerolog.Logger
}

// NewStreamingBridge creates a bridge. A nil decoder uses cfg.SerdeType.
func NewStreamingBridge(
	cfg *Config,
	factory ConnectionFactory,
	decoder serde.Decoder,
	logger zerolog.Logger,
	opts ...Option,
) (*StreamingBridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("connection factory cannot be nil")
	}
	if decoder == nil {
		decoder = cfg.decoder()
	}
	return &StreamingBridge{
		cfg:     cfg,
		factory: factory,
		decoder: decoder,
		opts:    newOptions(opts),
		logger:  logger.With().Str("component", "StreamingBridge").Str("queue", cfg.Queue).Logger(),
	}, nil
}

// Subscribe connects, registers a manual-ack consumer and returns the live
// stream. Failures before the consumer is registered are returned here and
// leave nothing open; later failures end the stream and are reported by Err.
//
// Cancelling ctx stops the stream the same way Stop does.
func (b *StreamingBridge) Subscribe(ctx context.Context) (*Stream, error) {
	params, err := b.cfg.ConnectionParams()
	if err != nil {
		return nil, err
	}
	queue, consumerTag := b.cfg.Queue, b.cfg.ConsumerTag
	logger := b.logger.With().Str("consumer_tag", consumerTag).Logger()

	logger.Info().Str("url", params.Redacted()).Msg("Opening AMQP connection...")
	conn, err := b.factory.NewConnection(ctx, params)
	if err != nil {
		return nil, &ConnectionError{Op: "open connection", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Error while closing connection after channel failure.")
		}
		return nil, &ConnectionError{Op: "open channel", Err: err}
	}

	lifecycle := NewLifecycleController()
	records := make(chan Record)
	s := &Stream{
		queue:       queue,
		consumerTag: consumerTag,
		records:     records,
		lifecycle:   lifecycle,
		gate:        NewAckGate(ch),
		conn:        conn,
		channel:     ch,
		metrics:     b.opts.metrics,
		logger:      logger,
		done:        make(chan struct{}),
	}
	s.adapter = newDeliveryAdapter(queue, b.decoder, s.gate, lifecycle, records, b.opts, logger)

	if b.cfg.PrefetchCount > 0 {
		if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
			s.teardown()
			return nil, &ConnectionError{Op: "set qos", Err: err}
		}
	}

	cancellations := ch.NotifyCancel(make(chan string, 1))
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		s.teardown()
		return nil, &ConnectionError{Op: "register consumer", Err: err}
	}
	s.adapter.armCancel()
	s.adapter.OnConsumerRegistered(consumerTag)

	s.metrics.streamStarted()
	logger.Info().Msg("Consuming messages.")
	go s.run(ctx, deliveries, cancellations)
	return s, nil
}

// Stream is one live subscription. Records are delivered on an unbuffered
// channel which is closed once the stream has terminated and its broker
// resources are released.
type Stream struct {
	queue       string
	consumerTag string
	records     chan Record
	lifecycle   *LifecycleController
	guard       TeardownGuard
	gate        *AckGate
	adapter     *DeliveryAdapter
	conn        Connection
	channel     Channel
	metrics     *Metrics
	logger      zerolog.Logger

	done chan struct{}
	err  error
}

// Records returns the output sequence.
func (s *Stream) Records() <-chan Record {
	return s.records
}

// Done is closed after the records channel is closed and Err is final.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil for a normal completion or while
// the stream is still running.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the lifecycle state.
func (s *Stream) State() LifecycleState {
	return s.lifecycle.State()
}

// Stop requests a graceful shutdown and returns without waiting for it.
func (s *Stream) Stop() {
	if s.lifecycle.RequestStop(false) {
		s.logger.Info().Msg("Stop requested.")
	}
}

// Kill requests shutdown and blocks until the consumer is cancelled and the
// channel and connection are closed. A hung close call stalls Kill.
func (s *Stream) Kill() {
	if s.lifecycle.RequestStop(true) {
		s.logger.Info().Msg("Consumer killed.")
	}
}

// Close detaches the subscriber: it kills the stream, waits for the output
// to complete and returns the terminal error.
func (s *Stream) Close() error {
	s.Kill()
	<-s.done
	return s.err
}

// run is the subscribing side: it waits for the lifecycle to leave ACTIVE,
// then tears down and completes the output.
func (s *Stream) run(ctx context.Context, deliveries <-chan amqp.Delivery, cancellations <-chan string) {
	defer s.metrics.streamEnded()

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		s.deliver(ctx, deliveries, cancellations)
	}()

	select {
	case <-s.lifecycle.Stopping():
	case <-ctx.Done():
		s.logger.Info().Msg("Context cancelled, stopping consumer.")
		s.lifecycle.RequestStop(false)
	}

	<-delivered
	s.teardown()
	s.complete()
}

// deliver reads the broker client's channels one delivery at a time.
func (s *Stream) deliver(ctx context.Context, deliveries <-chan amqp.Delivery, cancellations <-chan string) {
	for {
		select {
		case <-s.lifecycle.Stopping():
			return
		case tag, ok := <-cancellations:
			if !ok {
				cancellations = nil
				continue
			}
			s.adapter.OnCancel(tag)
			return
		case d, ok := <-deliveries:
			if !ok {
				s.deliveriesClosed(cancellations)
				return
			}
			s.adapter.OnDelivery(ctx, d)
		}
	}
}

// deliveriesClosed tells a broker cancel apart from a lost channel. The
// broker client publishes the cancel notification before closing deliveries.
func (s *Stream) deliveriesClosed(cancellations <-chan string) {
	select {
	case tag, ok := <-cancellations:
		if ok {
			s.adapter.OnCancel(tag)
			return
		}
	default:
	}
	if s.lifecycle.IsActive() {
		s.adapter.fail(&ConnectionError{Op: "consume", Err: ErrDeliveriesClosed})
	}
}

// teardown cancels the consumer and closes the channel and connection. It
// runs at most once; errors are logged and never replace the stream result.
func (s *Stream) teardown() {
	if !s.guard.Fire() {
		return
	}
	defer s.lifecycle.MarkTerminated()

	s.gate.Close()
	if !s.channel.IsClosed() && !s.conn.IsClosed() {
		if s.adapter.takeCancel() {
			if err := s.channel.Cancel(s.consumerTag, false); err != nil {
				s.teardownWarning("cancel consumer", err)
			}
		}
		if err := s.channel.Close(); err != nil {
			s.teardownWarning("close channel", err)
		}
	}
	if !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			s.teardownWarning("close connection", err)
		}
	}
	s.metrics.teardown(s.queue)
	s.logger.Info().Msg("Consumer stopped, channel and connection closed.")
}

func (s *Stream) teardownWarning(op string, err error) {
	s.metrics.teardownWarning(s.queue, op)
	s.logger.Warn().Err(err).Str("op", op).Msg("Error while closing channel or connection.")
}

func (s *Stream) complete() {
	s.err = s.adapter.Err()
	close(s.records)
	if s.err != nil {
		s.logger.Error().Err(s.err).Msg("Stream terminated with error.")
	} else {
		s.logger.Info().Msg("Stream completed.")
	}
	close(s.done)
}

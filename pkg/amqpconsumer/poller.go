package amqpconsumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-amqptrigger/pkg/serde"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CompletionReason says which bound ended a poll.
type CompletionReason string

const (
	ReasonMaxRecords  CompletionReason = "MAX_RECORDS"
	ReasonMaxDuration CompletionReason = "MAX_DURATION"
)

const pollOutcomeError = "error"

// PollRequest bounds one batch. At least one of MaxRecords and MaxDuration
// must be positive; a zero value means that bound is not applied.
type PollRequest struct {
	Queue       string
	ConsumerTag string
	MaxRecords  int
	MaxDuration time.Duration
	// Decoder defaults to the poller config's serde type.
	Decoder serde.Decoder
}

// PollResult is the outcome of a successful poll. A zero Count is not an error.
type PollResult struct {
	Records []Record
	Count   int
	Reason  CompletionReason
}

// BatchPoller drains a bounded batch over a short-lived connection.
type BatchPoller struct {
	cfg     *Config
	factory ConnectionFactory
	opts    options
	logger  zerolog.Logger
}

// NewBatchPoller creates a poller that connects with cfg's broker settings.
func NewBatchPoller(cfg *Config, factory ConnectionFactory, logger zerolog.Logger, opts ...Option) (*BatchPoller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}
	if _, err := cfg.ConnectionParams(); err != nil {
		return nil, err
	}
	if _, err := serde.ParseType(string(cfg.SerdeType)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if factory == nil {
		return nil, errors.New("connection factory cannot be nil")
	}
	return &BatchPoller{
		cfg:     cfg,
		factory: factory,
		opts:    newOptions(opts),
		logger:  logger.With().Str("component", "BatchPoller").Logger(),
	}, nil
}

// RequestFromConfig builds a PollRequest from the poller's own config.
func (p *BatchPoller) RequestFromConfig() PollRequest {
	return PollRequest{
		Queue:       p.cfg.Queue,
		ConsumerTag: p.cfg.ConsumerTag,
		MaxRecords:  p.cfg.MaxRecords,
		MaxDuration: p.cfg.MaxDuration,
		Decoder:     p.cfg.decoder(),
	}
}

// Poll consumes until MaxRecords deliveries were collected or MaxDuration
// elapsed, whichever comes first. The batch is acknowledged as a whole only
// when it completes; on any error nothing is acknowledged and the partial
// batch is discarded, so the broker redelivers it.
func (p *BatchPoller) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	if err := validatePollRequest(req); err != nil {
		return nil, err
	}
	if req.ConsumerTag == "" {
		req.ConsumerTag = DefaultConsumerTag
	}
	if req.Decoder == nil {
		req.Decoder = p.cfg.decoder()
	}

	ctx, span := p.opts.tracer.Start(ctx, "amqp.poll",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", req.Queue),
			attribute.Int("amqp.poll.max_records", req.MaxRecords),
			attribute.String("amqp.poll.max_duration", req.MaxDuration.String()),
		))
	defer span.End()

	result, err := p.poll(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		p.opts.metrics.poll(req.Queue, pollOutcomeError, 0)
		return nil, err
	}
	span.SetAttributes(attribute.Int("amqp.poll.count", result.Count))
	p.opts.metrics.poll(req.Queue, strings.ToLower(string(result.Reason)), result.Count)
	return result, nil
}

func (p *BatchPoller) poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	log := p.logger.With().Str("queue", req.Queue).Str("consumer_tag", req.ConsumerTag).Logger()

	params, err := p.cfg.ConnectionParams()
	if err != nil {
		return nil, err
	}
	conn, err := p.factory.NewConnection(ctx, params)
	if err != nil {
		return nil, &ConnectionError{Op: "open connection", Err: err}
	}
	defer func() {
		if conn.IsClosed() {
			return
		}
		if err := conn.Close(); err != nil {
			p.opts.metrics.teardownWarning(req.Queue, "close connection")
			log.Warn().Err(err).Msg("Error while closing connection.")
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConnectionError{Op: "open channel", Err: err}
	}
	defer func() {
		if ch.IsClosed() {
			return
		}
		if err := ch.Close(); err != nil {
			p.opts.metrics.teardownWarning(req.Queue, "close channel")
			log.Warn().Err(err).Msg("Error while closing channel.")
		}
	}()

	prefetch := p.cfg.PrefetchCount
	if prefetch == 0 && req.MaxRecords > 0 {
		prefetch = req.MaxRecords
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, &ConnectionError{Op: "set qos", Err: err}
		}
	}

	deliveries, err := ch.Consume(req.Queue, req.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "register consumer", Err: err}
	}

	var deadline <-chan time.Time
	if req.MaxDuration > 0 {
		timer := time.NewTimer(req.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	records := make([]Record, 0, max(req.MaxRecords, 0))
	var lastTag uint64
	var reason CompletionReason

collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			reason = ReasonMaxDuration
			break collect
		case d, ok := <-deliveries:
			if !ok {
				return nil, &ConnectionError{Op: "consume", Err: ErrDeliveriesClosed}
			}
			props := deliveryProperties(d)
			value, err := req.Decoder.Decode(d.Body, props)
			if err != nil {
				p.opts.metrics.decodeFailure(req.Queue)
				return nil, &DecodeError{DeliveryTag: d.DeliveryTag, Err: err}
			}
			records = append(records, newRecord(req.Queue, d, props, value))
			lastTag = d.DeliveryTag
			if req.MaxRecords > 0 && len(records) >= req.MaxRecords {
				reason = ReasonMaxRecords
				break collect
			}
		}
	}

	if err := ch.Cancel(req.ConsumerTag, false); err != nil {
		p.opts.metrics.teardownWarning(req.Queue, "cancel consumer")
		log.Warn().Err(err).Msg("Error while cancelling consumer.")
	}

	if len(records) > 0 {
		if err := ch.Ack(lastTag, true); err != nil {
			p.opts.metrics.ack(req.Queue, ackStatusFailed)
			return nil, &ConnectionError{Op: "ack", Err: err}
		}
		p.opts.metrics.ack(req.Queue, ackStatusAcked)
	}

	log.Debug().Int("count", len(records)).Str("reason", string(reason)).Msg("Poll completed.")
	return &PollResult{Records: records, Count: len(records), Reason: reason}, nil
}

func validatePollRequest(req PollRequest) error {
	if req.Queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidConfig)
	}
	if req.MaxRecords < 0 || req.MaxDuration < 0 {
		return fmt.Errorf("%w: max records and max duration cannot be negative", ErrInvalidConfig)
	}
	if req.MaxRecords == 0 && req.MaxDuration == 0 {
		return fmt.Errorf("%w: max records or max duration must be set", ErrInvalidConfig)
	}
	return nil
}

// Package trigger turns AMQP records into executions: one per record for a
// realtime trigger, one per non-empty batch for a polling trigger.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	"github.com/rs/zerolog"
)

type pendingStop int

const (
	noPendingStop pendingStop = iota
	pendingGraceful
	pendingKill
)

// RealtimeTrigger subscribes to a queue and emits one execution per record.
type RealtimeTrigger struct {
	id         string
	subscriber Subscriber
	handler    ExecutionHandler
	logger     zerolog.Logger

	mu      sync.Mutex
	stream  *amqpconsumer.Stream
	pending pendingStop
	// running is closed when the in-flight Run returns.
	running chan struct{}
}

// NewRealtimeTrigger creates a new RealtimeTrigger.
func NewRealtimeTrigger(
	id string,
	subscriber Subscriber,
	handler ExecutionHandler,
	logger zerolog.Logger,
) (*RealtimeTrigger, error) {
	if id == "" {
		return nil, fmt.Errorf("trigger id cannot be empty")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	return &RealtimeTrigger{
		id:         id,
		subscriber: subscriber,
		handler:    handler,
		logger:     logger.With().Str("service", "RealtimeTrigger").Str("trigger_id", id).Logger(),
	}, nil
}

// Run subscribes and hands every record to the handler until the stream ends.
// It returns the stream's terminal error; a stop, a kill, a broker cancel or
// cancellation of ctx all end it with a nil error.
func (t *RealtimeTrigger) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.pending != noPendingStop {
		t.mu.Unlock()
		t.logger.Info().Msg("Stop requested before start, not subscribing.")
		return nil
	}
	running := make(chan struct{})
	t.running = running
	t.mu.Unlock()
	defer close(running)

	t.logger.Info().Msg("Starting realtime trigger...")
	stream, err := t.subscriber.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	t.mu.Lock()
	t.stream = stream
	pending := t.pending
	t.mu.Unlock()
	switch pending {
	case pendingGraceful:
		stream.Stop()
	case pendingKill:
		stream.Kill()
	}

	for record := range stream.Records() {
		t.execute(ctx, record)
	}

	if err := stream.Err(); err != nil {
		t.logger.Error().Err(err).Msg("Realtime trigger stopped with error.")
		return err
	}
	t.logger.Info().Msg("Realtime trigger stopped.")
	return nil
}

// Stop requests a graceful shutdown without waiting for it. Calling it
// before Run makes Run return without subscribing.
func (t *RealtimeTrigger) Stop() {
	t.mu.Lock()
	stream := t.stream
	if stream == nil && t.pending == noPendingStop {
		t.pending = pendingGraceful
	}
	t.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}

// Kill stops the trigger and waits until its connection is released. If Run
// is still subscribing, Kill waits for Run to tear the new stream down and return.
func (t *RealtimeTrigger) Kill() {
	t.mu.Lock()
	stream, running := t.stream, t.running
	if stream == nil {
		t.pending = pendingKill
	}
	t.mu.Unlock()

	if stream != nil {
		stream.Kill()
		return
	}
	if running != nil {
		<-running
	}
}

func (t *RealtimeTrigger) execute(ctx context.Context, record amqpconsumer.Record) {
	exec := newExecution(t.id, []amqpconsumer.Record{record})
	if err := t.handler(ctx, exec); err != nil {
		t.logger.Error().Err(err).Str("execution_id", exec.ID).Str("msg_id", record.ID).Msg("Execution handler failed.")
		return
	}
	t.logger.Debug().Str("execution_id", exec.ID).Str("msg_id", record.ID).Msg("Execution handled.")
}

package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	"github.com/rs/zerolog"
)

// PollingTriggerConfig holds the configuration for a PollingTrigger.
type PollingTriggerConfig struct {
	ID       string
	Interval time.Duration
	Request  amqpconsumer.PollRequest
}

// PollingTrigger polls a queue on an interval and emits one execution for
// every batch that returned records.
type PollingTrigger struct {
	cfg     PollingTriggerConfig
	poller  Poller
	handler ExecutionHandler
	logger  zerolog.Logger
}

// NewPollingTrigger creates a new PollingTrigger.
func NewPollingTrigger(
	cfg PollingTriggerConfig,
	poller Poller,
	handler ExecutionHandler,
	logger zerolog.Logger,
) (*PollingTrigger, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("trigger id cannot be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = amqpconsumer.DefaultPollInterval
	}
	if poller == nil || handler == nil {
		return nil, fmt.Errorf("poller and handler cannot be nil")
	}
	return &PollingTrigger{
		cfg:     cfg,
		poller:  poller,
		handler: handler,
		logger: logger.With().
			Str("service", "PollingTrigger").
			Str("trigger_id", cfg.ID).
			Str("queue", cfg.Request.Queue).
			Logger(),
	}, nil
}

// Evaluate runs one poll. It returns a nil execution when the batch was empty.
func (t *PollingTrigger) Evaluate(ctx context.Context) (*Execution, error) {
	result, err := t.poller.Poll(ctx, t.cfg.Request)
	if err != nil {
		return nil, err
	}
	if result.Count == 0 {
		return nil, nil
	}
	exec := newExecution(t.cfg.ID, result.Records)
	t.logger.Debug().
		Str("execution_id", exec.ID).
		Int("count", exec.Count).
		Str("reason", string(result.Reason)).
		Msg("Batch polled.")
	return &exec, nil
}

// Run evaluates immediately and then on every interval until ctx is done.
// Poll and handler failures are logged; the cycle yields no execution.
func (t *PollingTrigger) Run(ctx context.Context) error {
	t.logger.Info().Dur("interval", t.cfg.Interval).Msg("Starting polling trigger...")
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		t.cycle(ctx)
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Polling trigger stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func (t *PollingTrigger) cycle(ctx context.Context) {
	exec, err := t.Evaluate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Error().Err(err).Msg("Poll failed, no execution this cycle.")
		return
	}
	if exec == nil {
		t.logger.Debug().Msg("Queue empty, no execution this cycle.")
		return
	}
	t.logger.Info().Str("execution_id", exec.ID).Int("count", exec.Count).Msg("Flushing batch.")
	if err := t.handler(ctx, *exec); err != nil {
		t.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution handler failed. The batch was already acknowledged.")
	}
}

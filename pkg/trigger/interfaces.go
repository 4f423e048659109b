package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
)

// ====================================================================================
// This file defines the contracts between triggers, the AMQP consumption layer
// and the code that handles executions.
// ====================================================================================

// --- Sources ---

// Subscriber opens a live stream of records. *amqpconsumer.StreamingBridge
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context) (*amqpconsumer.Stream, error)
}

// Poller drains one bounded batch. *amqpconsumer.BatchPoller implements it.
type Poller interface {
	Poll(ctx context.Context, req amqpconsumer.PollRequest) (*amqpconsumer.PollResult, error)
}

// --- Output ---

// Execution is one unit of downstream work: a single record for the realtime
// trigger, a whole batch for the polling trigger.
type Execution struct {
	ID        string                `json:"id"`
	TriggerID string                `json:"triggerId"`
	Records   []amqpconsumer.Record `json:"records"`
	Count     int                   `json:"count"`
	CreatedAt time.Time             `json:"createdAt"`
}

// ExecutionHandler receives executions. A returned error is logged by the
// trigger; the records were already acknowledged.
type ExecutionHandler func(ctx context.Context, exec Execution) error

func newExecution(triggerID string, records []amqpconsumer.Record) Execution {
	return Execution{
		ID:        uuid.NewString(),
		TriggerID: triggerID,
		Records:   records,
		Count:     len(records),
		CreatedAt: time.Now().UTC(),
	}
}

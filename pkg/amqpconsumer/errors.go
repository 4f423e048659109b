package amqpconsumer

import (
	"errors"
	"fmt"
)

// ErrDeliveriesClosed reports that the broker client closed the delivery
// channel while the consumer was still active, usually a lost connection.
var ErrDeliveriesClosed = errors.New("delivery channel closed unexpectedly")

// ConnectionError is a failure to open, use or consume from the broker.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError is a payload the serde could not convert. The message it
// belongs to is never acknowledged.
type DecodeError struct {
	DeliveryTag uint64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode delivery %d: %v", e.DeliveryTag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

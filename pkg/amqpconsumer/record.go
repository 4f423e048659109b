package amqpconsumer

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Record is a decoded delivery. It is built once by the delivery adapter or
// the poller and not mutated afterwards.
type Record struct {
	// ID is the broker MessageId, or a generated UUID when the publisher set none.
	ID string `json:"id"`
	// Payload is the raw body as received.
	Payload []byte `json:"payload"`
	// Value is the body decoded by the configured serde.
	Value any `json:"value"`

	DeliveryTag uint64         `json:"deliveryTag"`
	Properties  map[string]any `json:"properties,omitempty"`

	Queue       string    `json:"queue"`
	ConsumerTag string    `json:"consumerTag"`
	Exchange    string    `json:"exchange,omitempty"`
	RoutingKey  string    `json:"routingKey,omitempty"`
	Redelivered bool      `json:"redelivered"`
	Timestamp   time.Time `json:"timestamp"`
}

// newRecord copies everything it keeps from d so the record does not alias
// buffers owned by the broker client.
func newRecord(queue string, d amqp.Delivery, props map[string]any, value any) Record {
	payload := make([]byte, len(d.Body))
	copy(payload, d.Body)

	id := d.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return Record{
		ID:          id,
		Payload:     payload,
		Value:       value,
		DeliveryTag: d.DeliveryTag,
		Properties:  props,
		Queue:       queue,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Timestamp:   ts,
	}
}

// deliveryProperties flattens the AMQP basic properties into a map. Only
// properties the publisher actually set are included.
func deliveryProperties(d amqp.Delivery) map[string]any {
	props := make(map[string]any)
	setString := func(key, value string) {
		if value != "" {
			props[key] = value
		}
	}
	setString("contentType", d.ContentType)
	setString("contentEncoding", d.ContentEncoding)
	setString("correlationId", d.CorrelationId)
	setString("replyTo", d.ReplyTo)
	setString("expiration", d.Expiration)
	setString("messageId", d.MessageId)
	setString("type", d.Type)
	setString("userId", d.UserId)
	setString("appId", d.AppId)
	if d.DeliveryMode != 0 {
		props["deliveryMode"] = d.DeliveryMode
	}
	if d.Priority != 0 {
		props["priority"] = d.Priority
	}
	if !d.Timestamp.IsZero() {
		props["timestamp"] = d.Timestamp
	}
	if len(d.Headers) > 0 {
		headers := make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
		props["headers"] = headers
	}
	return props
}

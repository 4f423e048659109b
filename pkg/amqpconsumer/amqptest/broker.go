// Package amqptest provides an in-memory broker that satisfies the
// amqpconsumer connection boundary, for unit tests that need realistic
// delivery, acknowledgement, requeue and cancellation behaviour without a
// running RabbitMQ.
package amqptest

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker holds named queues and every connection dialled against it.
// It implements amqpconsumer.ConnectionFactory.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	connections []*Connection

	dialErr    error
	channelErr error
	qosErr     error
	consumeErr error
	ackErr     error
	closeHook  func()
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// NewConnection implements amqpconsumer.ConnectionFactory.
func (b *Broker) NewConnection(ctx context.Context, _ amqpconsumer.ConnectionParams) (amqpconsumer.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Connection{broker: b}
	b.connections = append(b.connections, c)
	return c, nil
}

// Publish appends a message to the named queue, creating it if needed.
func (b *Broker) Publish(queueName string, msg amqp.Publishing) {
	b.queue(queueName).push(message{pub: msg})
}

// PublishBody publishes a plain message with the given body.
func (b *Broker) PublishBody(queueName string, body string) {
	b.Publish(queueName, amqp.Publishing{Body: []byte(body)})
}

// Depth returns the number of ready (not delivered or requeued) messages.
func (b *Broker) Depth(queueName string) int {
	return b.queue(queueName).len()
}

// Connections returns every connection dialled so far.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, len(b.connections))
	copy(out, b.connections)
	return out
}

// LastChannel returns the most recently opened channel, or nil.
func (b *Broker) LastChannel() *Channel {
	conns := b.Connections()
	for i := len(conns) - 1; i >= 0; i-- {
		if chans := conns[i].Channels(); len(chans) > 0 {
			return chans[len(chans)-1]
		}
	}
	return nil
}

// FailDial makes subsequent dials return err.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailChannel makes subsequent channel opens return err.
func (b *Broker) FailChannel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// FailQos makes subsequent Qos calls return err.
func (b *Broker) FailQos(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qosErr = err
}

// FailConsume makes subsequent Consume calls return err.
func (b *Broker) FailConsume(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = err
}

// FailAck makes subsequent Ack calls return err.
func (b *Broker) FailAck(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErr = err
}

// SetChannelCloseHook installs fn to run at the start of every client
// initiated Channel.Close. Tests use it to simulate a slow close.
func (b *Broker) SetChannelCloseHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeHook = fn
}

// CancelConsumers simulates the broker cancelling every consumer on the
// queue, as RabbitMQ does when a queue is deleted. It returns how many
// consumers were cancelled.
func (b *Broker) CancelConsumers(queueName string) int {
	n := 0
	for _, conn := range b.Connections() {
		for _, ch := range conn.Channels() {
			n += ch.brokerCancel(queueName)
		}
	}
	return n
}

// DropConnections simulates a network failure: every open connection and
// its channels close without any consumer cancel notification.
func (b *Broker) DropConnections() {
	for _, conn := range b.Connections() {
		conn.shutdown(false)
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

// faults is a snapshot of the injected failures.
type faults struct {
	channelErr error
	qosErr     error
	consumeErr error
	ackErr     error
	closeHook  func()
}

func (b *Broker) faults() faults {
	b.mu.Lock()
	defer b.mu.Unlock()
	return faults{
		channelErr: b.channelErr,
		qosErr:     b.qosErr,
		consumeErr: b.consumeErr,
		ackErr:     b.ackErr,
		closeHook:  b.closeHook,
	}
}

// message is a queued publishing plus its redelivery flag.
type message struct {
	pub         amqp.Publishing
	redelivered bool
}

func (m message) delivery(tag uint64, consumerTag, queueName string) amqp.Delivery {
	body := make([]byte, len(m.pub.Body))
	copy(body, m.pub.Body)
	return amqp.Delivery{
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		RoutingKey:      queueName,
		Body:            body,
	}
}

// queue is a FIFO with a broadcast signal for blocked consumers.
type queue struct {
	mu       sync.Mutex
	messages []message
	ready    chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{})}
}

func (q *queue) push(m message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, m)
	q.signal()
}

func (q *queue) pushFront(ms ...message) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(append([]message{}, ms...), q.messages...)
	q.signal()
}

// signal must be called with q.mu held.
func (q *queue) signal() {
	close(q.ready)
	q.ready = make(chan struct{})
}

func (q *queue) pop(stop <-chan struct{}) (message, bool) {
	for {
		q.mu.Lock()
		if len(q.messages) > 0 {
			m := q.messages[0]
			q.messages = q.messages[1:]
			q.mu.Unlock()
			return m, true
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-stop:
			return message{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

package amqptest

import (
	"fmt"
	"sync"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is an in-memory amqpconsumer.Connection.
type Connection struct {
	broker *Broker

	mu         sync.Mutex
	closed     bool
	closeCount int
	channels   []*Channel
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (amqpconsumer.Channel, error) {
	if err := c.broker.faults().channelErr; err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		consumers: make(map[string]*consumer),
		capacity:  make(chan struct{}),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes the connection and every channel on it.
func (c *Connection) Close() error {
	return c.shutdown(true)
}

// IsClosed reports whether the connection was closed or dropped.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount is the number of times Close was called.
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Channels returns the channels opened on this connection.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

func (c *Connection) shutdown(counted bool) error {
	c.mu.Lock()
	if counted {
		c.closeCount++
	}
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	return nil
}

// Ack is one recorded acknowledgement.
type Ack struct {
	Tag      uint64
	Multiple bool
}

type consumer struct {
	tag   string
	queue string
	stop  chan struct{}
	done  chan struct{}
}

type inflight struct {
	tag   uint64
	queue *queue
	msg   message
}

// Channel is an in-memory amqpconsumer.Channel. Deliveries stay unacked
// until acknowledged and are requeued, flagged as redelivered, when the
// channel closes.
type Channel struct {
	broker *Broker

	mu         sync.Mutex
	closed     bool
	closeCount int
	nextTag    uint64
	prefetch   int
	consumers  map[string]*consumer
	unacked    []inflight
	notify     []chan string
	acks       []Ack
	cancels    []string
	capacity   chan struct{}
}

// Qos sets the prefetch window. prefetchSize and global are ignored.
func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	if err := c.broker.faults().qosErr; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.prefetch = prefetchCount
	return nil
}

// Consume registers a consumer and starts pushing deliveries. Only manual
// acknowledgement is supported.
func (c *Channel) Consume(queueName, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.broker.faults().consumeErr; err != nil {
		return nil, err
	}
	if autoAck {
		return nil, fmt.Errorf("amqptest: autoAck is not supported")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if _, exists := c.consumers[consumerTag]; exists {
		return nil, fmt.Errorf("amqptest: consumer tag %q already in use", consumerTag)
	}
	cons := &consumer{
		tag:   consumerTag,
		queue: queueName,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.consumers[consumerTag] = cons
	deliveries := make(chan amqp.Delivery)
	go c.pump(cons, c.broker.queue(queueName), deliveries)
	return deliveries, nil
}

// pump moves messages from the queue to the consumer while the prefetch
// window allows it.
func (c *Channel) pump(cons *consumer, q *queue, deliveries chan<- amqp.Delivery) {
	defer close(cons.done)
	defer close(deliveries)

	for {
		if !c.waitCapacity(cons.stop) {
			return
		}
		msg, ok := q.pop(cons.stop)
		if !ok {
			return
		}

		c.mu.Lock()
		select {
		case <-cons.stop:
			c.mu.Unlock()
			q.pushFront(msg)
			return
		default:
		}
		c.nextTag++
		tag := c.nextTag
		c.unacked = append(c.unacked, inflight{tag: tag, queue: q, msg: msg})
		c.mu.Unlock()

		select {
		case deliveries <- msg.delivery(tag, cons.tag, cons.queue):
		case <-cons.stop:
			return
		}
	}
}

func (c *Channel) waitCapacity(stop <-chan struct{}) bool {
	for {
		c.mu.Lock()
		if c.prefetch <= 0 || len(c.unacked) < c.prefetch {
			c.mu.Unlock()
			return true
		}
		capacity := c.capacity
		c.mu.Unlock()

		select {
		case <-capacity:
		case <-stop:
			return false
		}
	}
}

// NotifyCancel registers a receiver for broker initiated consumer cancels.
// The channel is closed when the AMQP channel closes.
func (c *Channel) NotifyCancel(ch chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

// Ack acknowledges tag, or every outstanding tag up to it when multiple is set.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	if err := c.broker.faults().ackErr; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	kept := make([]inflight, 0, len(c.unacked))
	found := false
	for _, f := range c.unacked {
		if f.tag == tag || (multiple && f.tag < tag) {
			if f.tag == tag {
				found = true
			}
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return fmt.Errorf("amqptest: unknown delivery tag %d", tag)
	}
	c.unacked = kept
	c.acks = append(c.acks, Ack{Tag: tag, Multiple: multiple})
	c.signalCapacity()
	return nil
}

// Cancel stops a consumer. Its unacked deliveries stay outstanding until
// they are acknowledged or the channel closes.
func (c *Channel) Cancel(consumerTag string, _ bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.cancels = append(c.cancels, consumerTag)
	cons, ok := c.consumers[consumerTag]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("amqptest: unknown consumer tag %q", consumerTag)
	}
	delete(c.consumers, consumerTag)
	close(cons.stop)
	c.mu.Unlock()

	<-cons.done
	return nil
}

// Close closes the channel, requeueing every unacked delivery.
func (c *Channel) Close() error {
	if hook := c.broker.faults().closeHook; hook != nil {
		hook()
	}
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	if !c.shutdown() {
		return amqp.ErrClosed
	}
	return nil
}

// IsClosed reports whether the channel was closed.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Acks returns the acknowledgements received so far.
func (c *Channel) Acks() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ack, len(c.acks))
	copy(out, c.acks)
	return out
}

// AckedTags returns the tags of the acknowledgements received so far.
func (c *Channel) AckedTags() []uint64 {
	acks := c.Acks()
	tags := make([]uint64, 0, len(acks))
	for _, a := range acks {
		tags = append(tags, a.Tag)
	}
	return tags
}

// Cancels returns the consumer tags passed to Cancel.
func (c *Channel) Cancels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.cancels))
	copy(out, c.cancels)
	return out
}

// CloseCount is the number of times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Consumers is the number of registered consumers.
func (c *Channel) Consumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

// Unacked is the number of outstanding deliveries.
func (c *Channel) Unacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

// brokerCancel notifies cancel receivers, then stops every consumer on the
// queue, in the order a real broker client does.
func (c *Channel) brokerCancel(queueName string) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	var cancelled []*consumer
	for tag, cons := range c.consumers {
		if cons.queue != queueName {
			continue
		}
		for _, n := range c.notify {
			select {
			case n <- tag:
			default:
			}
		}
		delete(c.consumers, tag)
		close(cons.stop)
		cancelled = append(cancelled, cons)
	}
	c.mu.Unlock()

	for _, cons := range cancelled {
		<-cons.done
	}
	return len(cancelled)
}

// shutdown marks the channel closed, stops its consumers and requeues its
// unacked deliveries. It reports false if the channel was already closed.
func (c *Channel) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	consumers := make([]*consumer, 0, len(c.consumers))
	for tag, cons := range c.consumers {
		close(cons.stop)
		consumers = append(consumers, cons)
		delete(c.consumers, tag)
	}
	c.mu.Unlock()

	for _, cons := range consumers {
		<-cons.done
	}

	c.mu.Lock()
	requeue := c.unacked
	c.unacked = nil
	for _, n := range c.notify {
		close(n)
	}
	c.notify = nil
	c.signalCapacity()
	c.mu.Unlock()

	byQueue := make(map[*queue][]message)
	var order []*queue
	for _, f := range requeue {
		if _, ok := byQueue[f.queue]; !ok {
			order = append(order, f.queue)
		}
		f.msg.redelivered = true
		byQueue[f.queue] = append(byQueue[f.queue], f.msg)
	}
	for _, q := range order {
		q.pushFront(byQueue[q]...)
	}
	return true
}

// signalCapacity must be called with c.mu held.
func (c *Channel) signalCapacity() {
	close(c.capacity)
	c.capacity = make(chan struct{})
}

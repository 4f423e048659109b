package amqpconsumer

import (
	"sync"
	"sync/atomic"
)

// Acknowledger is the part of a channel the AckGate needs.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	IsClosed() bool
}

// AckGate tracks whether manual acknowledgement is still safe. It closes
// when teardown begins; acks attempted after that are skipped, not retried.
type AckGate struct {
	mu     sync.Mutex
	closed bool
	ch     Acknowledger
}

// NewAckGate opens a gate over ch.
func NewAckGate(ch Acknowledger) *AckGate {
	return &AckGate{ch: ch}
}

// Ack acknowledges a single delivery tag. It reports false without error
// when the gate is closed or the channel is already gone.
func (g *AckGate) Ack(tag uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.ch.IsClosed() {
		return false, nil
	}
	if err := g.ch.Ack(tag, false); err != nil {
		return false, err
	}
	return true, nil
}

// Close shuts the gate. It waits for an in-flight Ack to finish, so a
// channel closed after Close returns never races an acknowledgement.
func (g *AckGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// IsOpen reports whether acks will still be attempted.
func (g *AckGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed && !g.ch.IsClosed()
}

// TeardownGuard lets exactly one caller run the teardown sequence.
type TeardownGuard struct {
	fired atomic.Bool
}

// Fire returns true for the first caller only.
func (g *TeardownGuard) Fire() bool {
	return g.fired.CompareAndSwap(false, true)
}

// Fired reports whether teardown has started.
func (g *TeardownGuard) Fired() bool {
	return g.fired.Load()
}

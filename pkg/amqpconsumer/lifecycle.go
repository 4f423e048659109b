package amqpconsumer

import (
	"sync"
	"sync/atomic"
)

// LifecycleState is the state of one bridge invocation. Transitions only move forward.
type LifecycleState int32

const (
	StateActive LifecycleState = iota
	StateStopping
	StateTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// LifecycleController is the single synchronization point between the
// delivery goroutine, the subscribing goroutine and external stop callers.
// Every state change goes through one compare-and-set; waiters block on
// channels closed exactly once per transition.
type LifecycleController struct {
	state         atomic.Int32
	stopping      chan struct{}
	terminated    chan struct{}
	terminateOnce sync.Once
}

// NewLifecycleController returns a controller in StateActive.
func NewLifecycleController() *LifecycleController {
	return &LifecycleController{
		stopping:   make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// RequestStop moves ACTIVE to STOPPING. Only the first caller wins the
// transition and the return value says whether this call did. A blocking
// caller then waits for TERMINATED, whoever won; a non-blocking caller
// returns immediately.
func (c *LifecycleController) RequestStop(blocking bool) bool {
	won := c.beginStopping()
	if blocking {
		<-c.terminated
	}
	return won
}

// MarkTerminated moves to TERMINATED and releases blocked RequestStop callers.
// It is called by the teardown path; repeated calls are no-ops.
func (c *LifecycleController) MarkTerminated() {
	c.terminateOnce.Do(func() {
		c.beginStopping()
		c.state.Store(int32(StateTerminated))
		close(c.terminated)
	})
}

func (c *LifecycleController) beginStopping() bool {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateStopping)) {
		return false
	}
	close(c.stopping)
	return true
}

// IsActive is a non-blocking poll of the state.
func (c *LifecycleController) IsActive() bool {
	return c.State() == StateActive
}

// State returns the current state.
func (c *LifecycleController) State() LifecycleState {
	return LifecycleState(c.state.Load())
}

// Stopping is closed once the controller leaves ACTIVE.
func (c *LifecycleController) Stopping() <-chan struct{} {
	return c.stopping
}

// Terminated is closed once the controller reaches TERMINATED.
func (c *LifecycleController) Terminated() <-chan struct{} {
	return c.terminated
}

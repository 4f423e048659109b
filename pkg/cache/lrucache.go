package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// InMemoryLedger is a thread-safe, size-limited ledger with a Least Recently
// Used eviction policy. It is local to one process, so it only suppresses
// redeliveries that come back to the same instance.
type InMemoryLedger struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List               // Recency order, most recent at the front.
	index map[string]*list.Element // Fast ID lookups.
}

// NewInMemoryLedger creates a ledger that remembers at most maxSize IDs.
func NewInMemoryLedger(maxSize int) (*InMemoryLedger, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &InMemoryLedger{
		maxSize: maxSize,
		ll:      list.New(),
		index:   make(map[string]*list.Element),
	}, nil
}

// Seen reports whether id is in the ledger. A hit makes id the most recently used.
func (l *InMemoryLedger) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.index[id]; ok {
		l.ll.MoveToFront(elem)
		return true, nil
	}
	return false, nil
}

// MarkSeen adds id, evicting the least recently used ID if the ledger is full.
func (l *InMemoryLedger) MarkSeen(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.index[id]; ok {
		l.ll.MoveToFront(elem)
		return nil
	}
	l.index[id] = l.ll.PushFront(id)
	if l.ll.Len() > l.maxSize {
		l.evict()
	}
	return nil
}

// Len returns the number of remembered IDs.
func (l *InMemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// evict removes the least recently used ID.
// This method is unexported and must be called within a locked mutex.
func (l *InMemoryLedger) evict() {
	if back := l.ll.Back(); back != nil {
		id := l.ll.Remove(back).(string)
		delete(l.index, id)
	}
}

// Close is a no-op for the in-memory ledger but satisfies the Ledger interface.
func (l *InMemoryLedger) Close() error {
	return nil
}

// Package cache provides delivery ledgers: stores of message IDs that were
// already handed to a subscriber, used to suppress re-emission of
// redelivered messages.
package cache

import (
	"context"
	"io"
)

// Ledger records which message IDs have been emitted.
type Ledger interface {
	// Seen reports whether id was marked before and has not been evicted or expired.
	Seen(ctx context.Context, id string) (bool, error)
	// MarkSeen records id.
	MarkSeen(ctx context.Context, id string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}

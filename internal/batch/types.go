package batch

import (
	"context"
	"time"
)

// Flush triggers, used for logging and metrics.
const (
	TriggerSize    = "size"
	TriggerTimeout = "timeout"
	TriggerManual  = "manual"
)

// Item is one pending inbound update.
type Item[T any] struct {
	Key       string    // Entity identity; a newer item with the same key replaces this one
	Payload   T         // Decoded update
	ArrivedAt time.Time // Local receive time (set by Add when zero)
	OrderedAt time.Time // Source-assigned ordering timestamp (zero = use ArrivedAt)

	seq          uint64 // Arrival order, breaks ordering ties
	redeliveries int
}

// OrderKey returns the timestamp the item is sorted by.
func (it Item[T]) OrderKey() time.Time {
	if it.OrderedAt.IsZero() {
		return it.ArrivedAt
	}
	return it.OrderedAt
}

// Sink consumes flushed batches.
type Sink[T any] interface {
	Deliver(ctx context.Context, items []Item[T]) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc[T any] func(ctx context.Context, items []Item[T]) error

func (f SinkFunc[T]) Deliver(ctx context.Context, items []Item[T]) error {
	return f(ctx, items)
}

// ErrorFunc is told about every sink failure. dropped holds the items given
// up on; the rest of the failed batch was re-queued.
type ErrorFunc[T any] func(err error, failed []Item[T], dropped []Item[T])

// Config holds batcher configuration.
type Config struct {
	Size            int           // Flush when this many keys are pending (default: 50)
	Timeout         time.Duration // Flush this long after the oldest pending item (default: 1s)
	MaxRedeliveries int           // Re-queues per item after sink failures (default: 3, 0 = drop on first failure)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Size:            50,
		Timeout:         time.Second,
		MaxRedeliveries: 3,
	}
}

// Stats contains batcher statistics.
type Stats struct {
	Pending   int
	Queued    int   // Flushed batches waiting for the sink
	Flushes   int64 // Batches delivered successfully
	Delivered int64 // Items delivered successfully
	Failures  int64 // Sink failures
	Requeued  int64
	Dropped   int64
}

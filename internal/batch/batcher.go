package batch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/metrics"
)

// stopper is the part of *time.Timer the batcher needs.
type stopper interface {
	Stop() bool
}

// flushed is a batch waiting for the delivery loop.
type flushed[T any] struct {
	items   []Item[T]
	trigger string
	epoch   uint64
}

// Batcher coalesces inbound items and hands ordered batches to a Sink.
type Batcher[T any] struct {
	cfg     Config
	sink    Sink[T]
	onError ErrorFunc[T]
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Overridable in tests.
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu        sync.Mutex
	pending   map[string]*Item[T]
	seq       uint64
	timer     stopper
	windowGen uint64 // Bumped on every flush/reset so stale timers are ignored
	epoch     uint64 // Bumped on reset; failed batches from an older epoch are not re-queued
	ready     []flushed[T]
	stats     Stats

	wake chan struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Batcher delivering to sink. onError may be nil.
func New[T any](cfg Config, sink Sink[T], onError ErrorFunc[T], m *metrics.Metrics, logger *slog.Logger) *Batcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Size < 1 {
		cfg.Size = defaults.Size
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return &Batcher[T]{
		cfg:     cfg,
		sink:    sink,
		onError: onError,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		pending: make(map[string]*Item[T]),
		wake:    make(chan struct{}, 1),
	}
}

// Start begins the delivery loop.
func (b *Batcher[T]) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.deliverLoop()

	b.logger.Info("batcher started",
		"batch_size", b.cfg.Size,
		"timeout", b.cfg.Timeout,
	)
	return nil
}

// Stop ends the delivery loop. Pending and queued batches are left in
// place; call Reset to discard them.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("batcher stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("batcher stop timed out")
		return ctx.Err()
	}
}

// Add inserts item into the working set. An item whose key is already
// pending replaces it.
func (b *Batcher[T]) Add(item Item[T]) {
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	item.seq = b.seq
	item.redeliveries = 0
	b.insertLocked(&item)
}

// Flush delivers whatever is pending without waiting for a trigger.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		b.flushLocked(TriggerManual)
	}
}

// Reset discards the pending set and any batches not yet handed to the sink.
// A batch already with the sink is not re-queued if it fails.
func (b *Batcher[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := len(b.pending)
	for _, f := range b.ready {
		dropped += len(f.items)
	}

	b.stopTimerLocked()
	b.windowGen++
	b.epoch++
	b.pending = make(map[string]*Item[T])
	b.ready = nil

	if dropped > 0 {
		b.logger.Debug("batcher reset", "discarded", dropped)
	}
}

// Pending returns the number of keys waiting for the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns current statistics.
func (b *Batcher[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Pending = len(b.pending)
	s.Queued = len(b.ready)
	return s
}

// insertLocked adds item to the working set and fires the size trigger.
// Must be called with lock held.
func (b *Batcher[T]) insertLocked(item *Item[T]) {
	_, replacing := b.pending[item.Key]
	b.pending[item.Key] = item

	if !replacing && len(b.pending) == 1 {
		gen := b.windowGen
		b.timer = b.afterFunc(b.cfg.Timeout, func() { b.onTimeout(gen) })
	}

	if len(b.pending) >= b.cfg.Size {
		b.flushLocked(TriggerSize)
	}
}

// onTimeout flushes the window that armed the timer, if it is still open.
func (b *Batcher[T]) onTimeout(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.windowGen || len(b.pending) == 0 {
		return
	}
	b.flushLocked(TriggerTimeout)
}

// flushLocked moves the pending set, sorted, onto the delivery queue.
// Must be called with lock held.
func (b *Batcher[T]) flushLocked(trigger string) {
	items := make([]Item[T], 0, len(b.pending))
	for _, it := range b.pending {
		items = append(items, *it)
	}

	// Arrival order first, then a stable sort on the ordering timestamp so
	// ties keep arrival order.
	slices.SortFunc(items, func(a, c Item[T]) int {
		return cmp.Compare(a.seq, c.seq)
	})
	slices.SortStableFunc(items, func(a, c Item[T]) int {
		return a.OrderKey().Compare(c.OrderKey())
	})

	b.stopTimerLocked()
	b.windowGen++
	b.pending = make(map[string]*Item[T])
	b.ready = append(b.ready, flushed[T]{items: items, trigger: trigger, epoch: b.epoch})

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Batcher[T]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// deliverLoop hands queued batches to the sink one at a time, in order.
func (b *Batcher[T]) deliverLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.ready) == 0 {
				b.mu.Unlock()
				break
			}
			next := b.ready[0]
			b.ready = b.ready[1:]
			b.mu.Unlock()

			b.deliver(next)

			if b.ctx.Err() != nil {
				return
			}
		}
	}
}

// deliver sends one batch to the sink and handles failure.
func (b *Batcher[T]) deliver(f flushed[T]) {
	start := time.Now()

	err := b.sink.Deliver(b.ctx, f.items)
	if err == nil {
		b.mu.Lock()
		b.stats.Flushes++
		b.stats.Delivered += int64(len(f.items))
		b.mu.Unlock()

		b.metrics.ObserveBatch(f.trigger, len(f.items))
		b.logger.Debug("batch delivered",
			"count", len(f.items),
			"trigger", f.trigger,
			"duration", time.Since(start),
		)
		return
	}

	b.metrics.IncBatchFailures()
	b.logger.Error("batch delivery failed",
		"error", err,
		"count", len(f.items),
		"trigger", f.trigger,
	)

	dropped, stale := b.requeue(f)
	if stale {
		b.logger.Debug("discarding failed batch flushed before reset", "count", len(f.items))
	}
	if len(dropped) > 0 {
		b.metrics.AddBatchDropped(len(dropped))
		b.logger.Warn("dropping items after repeated delivery failures", "count", len(dropped))
	}

	if b.onError != nil {
		b.onError(err, f.items, dropped)
	}
}

// requeue puts failed items back into the working set unless they ran out
// of redeliveries or a newer value for the key is already pending or
// waiting for delivery. Returns the items given up on. A batch flushed
// before the last Reset is discarded whole and reported as stale.
func (b *Batcher[T]) requeue(f flushed[T]) (dropped []Item[T], stale bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Failures++

	if f.epoch != b.epoch {
		return nil, true
	}

	queued := make(map[string]struct{})
	for _, r := range b.ready {
		for _, it := range r.items {
			queued[it.Key] = struct{}{}
		}
	}

	for i := range f.items {
		it := f.items[i]
		if it.redeliveries >= b.cfg.MaxRedeliveries {
			dropped = append(dropped, it)
			continue
		}
		if _, newer := b.pending[it.Key]; newer {
			continue
		}
		if _, newer := queued[it.Key]; newer {
			continue
		}
		it.redeliveries++
		b.stats.Requeued++
		b.insertLocked(&it)
	}
	b.stats.Dropped += int64(len(dropped))

	return dropped, false
}

// Package queue provides the growable FIFO ring used to hold outbound
// messages while the connection is down.
package queue

import "sync"

// Ring is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full. Drain removes everything in one step so a flush observes a
// consistent snapshot.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalDrained int64
	resizeCount  int
}

// NewRing creates a ring with the given initial capacity.
func NewRing[T any](initialCapacity int) *Ring[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
}

// Push appends an item at the tail.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.growIfNeeded(1)

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalPushed++
}

// PushFront puts items back at the head, preserving their order, so that
// items[0] is the next one drained.
func (r *Ring[T]) PushFront(items ...T) {
	if len(items) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.growIfNeeded(len(items))

	for i := len(items) - 1; i >= 0; i-- {
		r.head = (r.head - 1 + r.capacity) % r.capacity
		r.buf[r.head] = items[i]
		r.count++
	}
}

// Drain removes and returns every item in FIFO order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	var zero T
	for i := range result {
		result[i] = r.buf[r.head]
		r.buf[r.head] = zero // Clear reference for GC
		r.head = (r.head + 1) % r.capacity
	}
	r.totalDrained += int64(r.count)
	r.count = 0
	r.head = 0
	r.tail = 0

	return result
}

// Clear discards all items and returns how many were dropped.
func (r *Ring[T]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	clear(r.buf)
	r.head = 0
	r.tail = 0
	r.count = 0
	return n
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Count:        r.count,
		Capacity:     r.capacity,
		TotalPushed:  r.totalPushed,
		TotalDrained: r.totalDrained,
		ResizeCount:  r.resizeCount,
	}
}

// RingStats contains ring statistics.
type RingStats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalDrained int64
	ResizeCount  int
}

// growIfNeeded doubles capacity until adding n items keeps the ring below
// 70% full. Must be called with lock held.
func (r *Ring[T]) growIfNeeded(n int) {
	for {
		threshold := (r.capacity * 70) / 100
		if threshold < 1 {
			threshold = 1
		}
		if r.count+n < threshold {
			return
		}
		r.grow()
	}
}

// grow doubles the ring capacity. Must be called with lock held.
func (r *Ring[T]) grow() {
	newCapacity := r.capacity * 2
	newBuf := make([]T, newCapacity)

	if r.count > 0 {
		if r.head < r.tail {
			// Contiguous: [head...tail)
			copy(newBuf, r.buf[r.head:r.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, r.buf[r.head:])
			copy(newBuf[n:], r.buf[:r.tail])
		}
	}

	r.buf = newBuf
	r.head = 0
	r.tail = r.count
	r.capacity = newCapacity
	r.resizeCount++
}

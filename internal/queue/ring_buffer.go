// Package queue provides a bounded, thread-safe ring buffer used to stage
// outbound security events.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned when pushing to a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer. A push to a full buffer evicts
// the oldest item.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// Push adds an item to the tail of the queue and reports whether the oldest
// item was evicted to make room.
func (rb *RingBuffer[T]) Push(item T) (evicted bool, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return false, ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		var zero T
		rb.buffer[rb.head] = zero
		rb.head = (rb.head + 1) % rb.size
		rb.count--
		evicted = true
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)
	return evicted, nil
}

// PopN removes up to n of the oldest items in FIFO order.
func (rb *RingBuffer[T]) PopN(n int) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}
	items := make([]T, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, rb.popLocked())
	}
	return items
}

func (rb *RingBuffer[T]) popLocked() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return item
}

// Items returns a copy of the queued items, oldest first, without removing them.
func (rb *RingBuffer[T]) Items() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	items := make([]T, 0, rb.count)
	for i := 0; i < rb.count; i++ {
		items = append(items, rb.buffer[(rb.head+i)%rb.size])
	}
	return items
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Close stops the queue from accepting new items. Queued items can still be popped.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

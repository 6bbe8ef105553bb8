package connection

import (
	"sync"
)

// FrameQueue is a thread-safe FIFO ring buffer for outbound frames. It
// doubles its capacity when it reaches 70% full, up to an optional ceiling.
type FrameQueue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	maxCap   int // 0 = unbounded
	closed   bool

	totalPushed int64
	totalPopped int64
}

// NewFrameQueue creates a queue with the given initial capacity. maxCapacity
// bounds growth; 0 means unbounded.
func NewFrameQueue[T any](initialCapacity, maxCapacity int) *FrameQueue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity > 0 && initialCapacity > maxCapacity {
		initialCapacity = maxCapacity
	}
	return &FrameQueue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		maxCap:   maxCapacity,
	}
}

// Push appends an item. Returns false if the queue is closed or full at its
// capacity ceiling.
func (q *FrameQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.maxCap > 0 && q.count >= q.maxCap {
		return false
	}

	// Grow at or above 70% fill, within the ceiling.
	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && (q.maxCap == 0 || q.capacity < q.maxCap) {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++
	return true
}

// Pop removes and returns the oldest item without blocking.
func (q *FrameQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Drain removes and returns all queued items in FIFO order.
func (q *FrameQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]T, 0, q.count)
	for q.count > 0 {
		out = append(out, q.pop())
	}
	return out
}

// Clear discards all queued items.
func (q *FrameQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for q.count > 0 {
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.count--
	}
	q.head = 0
	q.tail = 0
}

// Close closes the queue. After closing, Push returns false.
func (q *FrameQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the current number of queued items.
func (q *FrameQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current capacity.
func (q *FrameQueue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// pop removes the head item. Must be called with the lock held and count > 0.
func (q *FrameQueue[T]) pop() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalPopped++
	return item
}

// grow doubles the capacity, clamped to the ceiling. Lock must be held.
func (q *FrameQueue[T]) grow() {
	newCapacity := q.capacity * 2
	if q.maxCap > 0 && newCapacity > q.maxCap {
		newCapacity = q.maxCap
	}
	if newCapacity == q.capacity {
		return
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}

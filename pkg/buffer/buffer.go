// Package buffer provides a generic, thread-safe bounded ring buffer used
// for receiver-to-sink backpressure. When the buffer is full the overflow
// policy decides whether the oldest pending item is dropped (so frame
// ingestion keeps draining the transport) or the newest item is rejected.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// Statistics tracks buffer activity. All counters are cumulative.
type Statistics struct {
	Writes uint64
	Reads  uint64
	Drops  uint64
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithPolicy sets the overflow policy. Default is DropOldest.
func WithPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback registers fn to be called (outside the buffer lock)
// with every item discarded by the overflow policy.
func WithDropCallback[T any](fn func(item T)) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// Ring is a fixed-capacity circular buffer. All methods are safe for
// concurrent use. A Ring must be created with New.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // index of oldest item
	count  int
	closed bool

	policy OverflowPolicy
	onDrop func(item T)

	writes atomic.Uint64
	reads  atomic.Uint64
	drops  atomic.Uint64

	// notify carries at most one pending wakeup for the drain goroutine.
	notify chan struct{}
}

// New creates a ring buffer with the given capacity.
func New[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			errors.New("capacity must be positive"),
			"buffer", "New", "capacity validation")
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		policy: DropOldest,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Write adds an item. When the buffer is full the overflow policy applies:
// DropOldest discards the oldest pending item and accepts the new one,
// DropNewest discards the new item. Both count as a drop.
func (r *Ring[T]) Write(item T) error {
	var dropped T
	var didDrop bool

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.ErrSinkClosed
	}
	if r.count == len(r.items) {
		r.drops.Add(1)
		if r.policy == DropNewest {
			r.mu.Unlock()
			return nil
		}
		dropped = r.items[r.head]
		didDrop = true
		r.head = (r.head + 1) % len(r.items)
		r.count--
	}
	r.items[(r.head+r.count)%len(r.items)] = item
	r.count++
	r.writes.Add(1)
	r.mu.Unlock()

	if didDrop && r.onDrop != nil {
		r.onDrop(dropped)
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Read retrieves and removes the oldest item.
// Returns the zero value and false if the buffer is empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	r.reads.Add(1)
	return item, true
}

// ReadBatch retrieves and removes up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	var zero T
	for i := 0; i < n; i++ {
		out = append(out, r.items[r.head])
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.count--
	}
	r.reads.Add(uint64(n))
	return out
}

// Wait returns a channel that receives a value when items may be
// available. The channel carries at most one pending notification, so a
// drain loop must keep reading until the buffer is empty after a wakeup.
func (r *Ring[T]) Wait() <-chan struct{} {
	return r.notify
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

// Stats returns a snapshot of the buffer counters.
func (r *Ring[T]) Stats() Statistics {
	return Statistics{
		Writes: r.writes.Load(),
		Reads:  r.reads.Load(),
		Drops:  r.drops.Load(),
	}
}

// Close marks the buffer closed. Pending items remain readable; further
// writes fail with ErrSinkClosed.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

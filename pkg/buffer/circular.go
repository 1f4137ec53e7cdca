package buffer

import (
	"sync"

	"github.com/c360/jflux/errors"
)

// CircularBuffer is a fixed-capacity ring. Size is always within
// [0, Capacity]; an Add on a full buffer evicts the oldest value.
type CircularBuffer[V any] struct {
	mu       sync.RWMutex
	items    []V
	head     int // index of the oldest value
	size     int
	capacity int

	dropCallback DropCallback[V]
	metrics      *bufferMetrics
}

// NewCircularBuffer creates a buffer holding at most capacity values
func NewCircularBuffer[V any](capacity int, options ...Option[V]) (*CircularBuffer[V], error) {
	if capacity <= 0 {
		return nil, errors.Invalidf("CircularBuffer", "NewCircularBuffer",
			"capacity must be positive, got %d", capacity)
	}

	opts := applyOptions(options...)
	cb := &CircularBuffer[V]{
		items:        make([]V, capacity),
		capacity:     capacity,
		dropCallback: opts.dropCallback,
	}

	if opts.metricsReg != nil {
		m, err := newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapInvalid(err, "CircularBuffer", "NewCircularBuffer", "register metrics")
		}
		cb.metrics = m
	}

	return cb, nil
}

// Add appends v, evicting the oldest value when full
func (cb *CircularBuffer[V]) Add(v V) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == cb.capacity {
		dropped := cb.items[cb.head]
		cb.items[cb.head] = v
		cb.head = (cb.head + 1) % cb.capacity
		cb.metrics.recordDrop()
		if cb.dropCallback != nil {
			cb.dropCallback(dropped)
		}
	} else {
		cb.items[(cb.head+cb.size)%cb.capacity] = v
		cb.size++
	}
	cb.metrics.recordAdd(cb.size, cb.capacity)
}

// at returns the i-th retained value counting from the oldest
func (cb *CircularBuffer[V]) at(i int) V {
	return cb.items[(cb.head+i)%cb.capacity]
}

// Get returns the n-th value back from the newest; Get(0) is the most recent.
func (cb *CircularBuffer[V]) Get(n int) (V, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if n < 0 || n >= cb.size {
		var zero V
		return zero, errors.WrapInvalid(errors.ErrIndexOutOfRange, "CircularBuffer", "Get",
			"index lookup")
	}
	return cb.at(cb.size - 1 - n), nil
}

// HeadValue returns the oldest retained value
func (cb *CircularBuffer[V]) HeadValue() (V, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		var zero V
		return zero, false
	}
	return cb.at(0), true
}

// TailValue returns the newest value
func (cb *CircularBuffer[V]) TailValue() (V, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		var zero V
		return zero, false
	}
	return cb.at(cb.size - 1), true
}

// ValueList returns the retained values oldest to newest
func (cb *CircularBuffer[V]) ValueList() []V {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.snapshot()
}

func (cb *CircularBuffer[V]) snapshot() []V {
	out := make([]V, cb.size)
	for i := range out {
		out[i] = cb.at(i)
	}
	return out
}

// Values returns the retained values oldest to newest and empties the buffer
func (cb *CircularBuffer[V]) Values() []V {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := cb.snapshot()
	var zero V
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head = 0
	cb.size = 0
	cb.metrics.recordDrain(cb.capacity)
	return out
}

// Size returns the number of retained values
func (cb *CircularBuffer[V]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of retained values
func (cb *CircularBuffer[V]) Capacity() int {
	return cb.capacity
}

package scoperingbuf

import (
	"sync"
)

// RingBuffer is a fixed-capacity collection of recent items. Beyond capacity,
// adds overwrite the oldest item. The oldest item can also be popped directly,
// which lets the same structure serve as a bounded drop-oldest delivery queue.
type RingBuffer[T any] struct {
	mtx sync.Mutex
	buf []T // fully allocated at construction
	cur int // index for next write, walk backwards to read
	len int // count of actual values
}

// NewRingBuffer returns an empty ring buffer of items, pre-allocated with the
// given capacity.
func NewRingBuffer[T any](cap int) *RingBuffer[T] {
	return &RingBuffer[T]{
		buf: make([]T, cap),
	}
}

// Add the value to the ring buffer. If the ring buffer was full and an item was
// overwritten by this add, return that item and true, otherwise return a zero
// value item and false.
func (rb *RingBuffer[T]) Add(val T) (dropped T, ok bool) {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	// Safety first.
	if cap(rb.buf) <= 0 {
		var zero T
		return zero, false
	}

	// Capture any overwritten value so it can be returned.
	if rb.len >= len(rb.buf) {
		dropped, ok = rb.buf[rb.cur], true
	}

	// Write the value at the write cursor.
	rb.buf[rb.cur] = val

	// Update the ring buffer size.
	if rb.len < len(rb.buf) {
		rb.len += 1
	}

	// Advance the write cursor.
	rb.cur += 1
	if rb.cur >= len(rb.buf) {
		rb.cur -= len(rb.buf)
	}

	// Done.
	return dropped, ok
}

// PopOldest removes and returns the oldest value in the ring buffer. If the
// ring buffer is empty, it returns a zero value and false.
func (rb *RingBuffer[T]) PopOldest() (val T, ok bool) {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	if rb.len <= 0 {
		var zero T
		return zero, false
	}

	// The oldest value is len values behind the write cursor.
	idx := rb.cur - rb.len
	if idx < 0 {
		idx += len(rb.buf)
	}

	// Zero the slot so the buffer doesn't pin the popped value.
	var zero T
	val = rb.buf[idx]
	rb.buf[idx] = zero
	rb.len -= 1

	return val, true
}

// Len returns the number of values currently in the ring buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	return rb.len
}

// Walk calls the given function for each value in the ring buffer, starting
// with the most recent value, and ending with the oldest value. Walk takes an
// exclusive lock on the ring buffer, which blocks other calls like Add.
func (rb *RingBuffer[T]) Walk(fn func(T) error) error {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	// Read up to rb.len values.
	for i := 0; i < rb.len; i++ {
		// Reads go backwards from one before the write cursor.
		cur := rb.cur - 1 - i

		// Wrap around when necessary.
		if cur < 0 {
			cur += len(rb.buf)
		}

		// If the function returns an error, we're done.
		if err := fn(rb.buf[cur]); err != nil {
			return err
		}
	}

	return nil
}

// Stats returns the newest and oldest values in the ring buffer, as well as the
// total number of values stored in the ring buffer.
func (rb *RingBuffer[T]) Stats() (newest, oldest T, count int) {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	// The cursor math assumes a non-empty buffer.
	if rb.len == 0 {
		var zero T
		return zero, zero, 0
	}

	// The read head is the value just before the write cursor.
	headidx := rb.cur - 1
	if headidx < 0 {
		headidx += len(rb.buf)
	}

	// The read tail is len+1 values back from the read head.
	// If the buffer is full, this is the write cursor.
	tailidx := headidx - rb.len + 1
	if tailidx < 0 {
		tailidx += len(rb.buf)
	}

	return rb.buf[headidx], rb.buf[tailidx], rb.len
}

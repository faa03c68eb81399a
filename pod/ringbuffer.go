// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

package pod

// BacklogCapacity is the fixed size of a pod's backlog ring buffer.
// 4 MiB of raw terminal output is hours of typical activity; the bound
// is what makes detached pods safe to leave running indefinitely.
const BacklogCapacity = 4 * 1024 * 1024

// RingBuffer is a fixed-capacity circular byte store. It backs the
// pod's backlog: terminal output retained while no client is attached,
// replayed on the next attach.
//
// The buffer supports two append disciplines. Append evicts the oldest
// bytes on overflow and never fails; AppendNoDrop refuses writes that
// do not fit and leaves the buffer untouched. The session loop uses
// AppendNoDrop while detached (it bounds its PTY reads to Available(),
// so refusal indicates a logic error) and Append while a client is
// attached (old backlog bytes are expendable once delivered live).
//
// RingBuffer is not safe for concurrent use. The session event loop is
// its only owner; see the package documentation for the ownership
// model.
type RingBuffer struct {
	data []byte
	// start is the index of the oldest retained byte; length is the
	// number of retained bytes. Contents logically occupy
	// [start, start+length) modulo capacity.
	start  int
	length int
}

// NewRingBuffer creates a ring buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{data: make([]byte, capacity)}
}

// Capacity returns the fixed capacity in bytes.
func (ring *RingBuffer) Capacity() int { return len(ring.data) }

// Len returns the number of bytes currently retained.
func (ring *RingBuffer) Len() int { return ring.length }

// Available returns the free space in bytes.
func (ring *RingBuffer) Available() int { return len(ring.data) - ring.length }

// IsFull reports whether the buffer has no free space.
func (ring *RingBuffer) IsFull() bool { return ring.length == len(ring.data) }

// Append writes data, evicting the oldest retained bytes as needed.
// After the call the buffer holds the most recent bytes of the logical
// stream, in order, truncated to capacity. Never fails; a zero-capacity
// buffer silently accepts nothing.
func (ring *RingBuffer) Append(data []byte) {
	capacity := len(ring.data)
	if capacity == 0 {
		return
	}

	// Oversized write: only the trailing capacity bytes can survive.
	if len(data) >= capacity {
		copy(ring.data, data[len(data)-capacity:])
		ring.start = 0
		ring.length = capacity
		return
	}

	// Evict exactly the overflow amount.
	if overflow := ring.length + len(data) - capacity; overflow > 0 {
		ring.start = (ring.start + overflow) % capacity
		ring.length -= overflow
	}

	ring.write(data)
}

// AppendNoDrop writes data only if it fits in the free space. Returns
// false, leaving the buffer unchanged, when it does not.
func (ring *RingBuffer) AppendNoDrop(data []byte) bool {
	if len(data) > ring.Available() {
		return false
	}
	if len(data) == 0 {
		return true
	}
	ring.write(data)
	return true
}

// write copies data after the current contents. The caller has already
// ensured it fits. A wrapped write splits into at most two copies.
func (ring *RingBuffer) write(data []byte) {
	capacity := len(ring.data)
	writePosition := (ring.start + ring.length) % capacity
	first := capacity - writePosition
	if first > len(data) {
		first = len(data)
	}
	copy(ring.data[writePosition:writePosition+first], data[:first])
	if first < len(data) {
		copy(ring.data, data[first:])
	}
	ring.length += len(data)
}

// CopyOut copies up to len(dest) bytes into dest, starting at the
// oldest retained byte, without consuming anything. Returns the number
// of bytes copied. Replay uses CopyOut followed by Clear once the
// copied bytes have been delivered.
func (ring *RingBuffer) CopyOut(dest []byte) int {
	capacity := len(ring.data)
	n := ring.length
	if n > len(dest) {
		n = len(dest)
	}
	if n == 0 {
		return 0
	}
	first := capacity - ring.start
	if first > n {
		first = n
	}
	copy(dest[:first], ring.data[ring.start:ring.start+first])
	if first < n {
		copy(dest[first:n], ring.data[:n-first])
	}
	return n
}

// Clear resets the buffer to empty. O(1); storage is not zeroed.
func (ring *RingBuffer) Clear() {
	ring.start = 0
	ring.length = 0
}

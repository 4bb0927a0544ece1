package session

import "sync"

// Chunk is one raw PTY read. The ring owns the bytes once written.
type Chunk []byte

const defaultRingBufCapacity = 256

// RingBuffer is a fixed-capacity circular buffer for output chunks.
// It allows late subscribers to catch up on recent output.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []Chunk
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultRingBufCapacity
	}
	return &RingBuffer{
		buf:      make([]Chunk, capacity),
		capacity: capacity,
	}
}

// Write adds a chunk to the ring buffer.
func (rb *RingBuffer) Write(c Chunk) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = c
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all chunks in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []Chunk {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]Chunk, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]Chunk, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

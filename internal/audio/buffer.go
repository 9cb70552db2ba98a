package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer of float samples. The capture
// pipeline uses it to regroup device reads into fixed-size blocks.
type RingBuffer struct {
	buffer []float32
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size-1 samples
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]float32, size),
		size:   size,
	}
}

// Write appends samples and returns how many fit
func (rb *RingBuffer) Write(samples []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, s := range samples {
		if (rb.write+1)%rb.size == rb.read {
			break // Buffer full
		}

		rb.buffer[rb.write] = s
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written
}

// Read fills out with the oldest samples and returns the count read
func (rb *RingBuffer) Read(out []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := range out {
		if rb.read == rb.write {
			break // Buffer empty
		}

		out[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}

	return read
}

// NextBlock pops exactly n samples, or returns nil if fewer are buffered
func (rb *RingBuffer) NextBlock(n int) []float32 {
	if n <= 0 || rb.Available() < n {
		return nil
	}
	block := make([]float32, n)
	rb.Read(block)
	return block
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Clear drops all buffered samples
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

package kfmt

import "io"

// ringBufferSize is the capacity of the buffer that holds kernel log output
// produced before kmain registers a sink. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it. Once
// full, each write discards the oldest bytes so the messages closest to the
// point where a sink is registered are the ones that survive.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write stores p, overwriting the oldest unread bytes if needed. It never
// fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.wIndex == rb.rIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty. A read never crosses the end of the backing array so
// draining a wrapped buffer takes two calls.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	end := rb.wIndex
	if end < rb.rIndex {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}

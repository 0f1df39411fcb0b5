package server

import (
	"errors"

	"github.com/smallnest/ringbuffer"
)

// ErrPendingOverflow is returned when queuing more than a buffer unit
var ErrPendingOverflow = errors.New("pending buffer overflow")

// PendingBuffer holds the bytes a socket did not accept yet. Its capacity
// is one buffer unit, since the source is paused as soon as something
// is queued. A nil *PendingBuffer is a valid empty buffer.
type PendingBuffer struct {
	rb *ringbuffer.RingBuffer
}

// NewPendingBuffer creates a new PendingBuffer of size bytes
func NewPendingBuffer(size int) *PendingBuffer {
	return &PendingBuffer{
		rb: ringbuffer.New(size),
	}
}

// Write queues all of data, or nothing (ErrPendingOverflow)
func (pb *PendingBuffer) Write(data []byte) (int, error) {
	if pb.rb.Free() < len(data) {
		return 0, ErrPendingOverflow
	}
	return pb.rb.Write(data)
}

// Len returns the number of queued bytes
func (pb *PendingBuffer) Len() int {
	if pb == nil {
		return 0
	}
	return pb.rb.Length()
}

// IsEmpty returns true if the buffer is empty
func (pb *PendingBuffer) IsEmpty() bool {
	return pb == nil || pb.rb.IsEmpty()
}

// Flush hands queued bytes to send (using scratch as a contiguous copy)
// and keeps whatever send did not accept, in order. It returns the number
// of bytes sent.
func (pb *PendingBuffer) Flush(scratch []byte, send func(p []byte) (int, error)) (int, error) {
	if pb.IsEmpty() {
		return 0, nil
	}

	n, _ := pb.rb.Read(scratch[:pb.rb.Length()])
	sent, err := send(scratch[:n])
	if sent < 0 {
		sent = 0
	}

	if sent < n {
		// the ring is empty now, so the remainder keeps its position
		pb.rb.Write(scratch[sent:n])
	}
	return sent, err
}

// Reset drops everything
func (pb *PendingBuffer) Reset() {
	if pb == nil {
		return
	}
	pb.rb.Reset()
}

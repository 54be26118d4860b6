// Package buffer implements the bounded buffers the relay engine uses to
// shuttle bytes between the device tunnel stream, the synthesized reply
// stream, and outbound UDP sockets.
package buffer

import "io"

// ByteBuffer is a linear accumulator for bytes read from the device tunnel
// stream. Data is appended at the write head; Consume compacts whatever is
// left back to the front so the buffer never needs to grow past its fixed
// capacity for a well-behaved peer.
type ByteBuffer struct {
	data []byte
	head int // number of valid bytes currently buffered, starting at index 0
}

// NewByteBuffer allocates a ByteBuffer with the given fixed capacity.
func NewByteBuffer(capacity int) *ByteBuffer {
	return &ByteBuffer{data: make([]byte, capacity)}
}

// ReadFrom reads as much as fits from src into the free tail of the buffer.
// progress reports whether any bytes were read. io.EOF and ErrWouldBlock are
// both reported through err exactly as src returns them; callers treat
// ErrWouldBlock as "nothing to do yet".
func (b *ByteBuffer) ReadFrom(src io.Reader) (progress bool, err error) {
	free := b.data[b.head:]
	if len(free) == 0 {
		return false, nil
	}
	n, err := src.Read(free)
	if n > 0 {
		b.head += n
		progress = true
	}
	return progress, err
}

// Peek returns the currently buffered bytes without consuming them. The
// returned slice aliases the buffer's storage and is only valid until the
// next ReadFrom or Consume call.
func (b *ByteBuffer) Peek() []byte {
	return b.data[:b.head]
}

// Consume removes the first n bytes, compacting the remainder to the front.
func (b *ByteBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.head {
		b.head = 0
		return
	}
	copy(b.data, b.data[n:b.head])
	b.head -= n
}

// Len reports how many bytes are currently buffered.
func (b *ByteBuffer) Len() int { return b.head }

// Cap reports the fixed capacity of the buffer.
func (b *ByteBuffer) Cap() int { return len(b.data) }

// Full reports whether the buffer has no room left for ReadFrom.
func (b *ByteBuffer) Full() bool { return b.head == len(b.data) }

package worker

import "sync"

// ringBuffer is a thread-safe, bounded byte buffer that drops old data
// when the capacity is exceeded. Used for capturing worker stderr so the
// tail can be attached to subprocess-failure errors.
type ringBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	return len(p), nil
}

// String returns the full buffered content.
func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// Tail returns at most n trailing bytes of the buffer.
func (rb *ringBuffer) Tail(n int) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.data) <= n {
		return string(rb.data)
	}
	return string(rb.data[len(rb.data)-n:])
}

package process

import (
	"context"
	"io"
	"sync"
)

// DefaultLogLimit bounds how much interleaved output a process keeps.
const DefaultLogLimit = 1 << 20

// LogBuffer is an append-only byte log addressed by absolute offsets.
// When the limit is exceeded the oldest bytes are dropped, offsets keep
// counting, and readers behind the window resume at its start.
type LogBuffer struct {
	mu      sync.Mutex
	data    []byte
	base    int
	limit   int
	changed chan struct{}
	closed  bool
}

func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &LogBuffer{limit: limit, changed: make(chan struct{})}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0:0], b.data[over:]...)
		b.base += over
	}
	b.notify()
	return len(p), nil
}

// notify wakes every waiter. Callers hold mu.
func (b *LogBuffer) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Close marks the end of the log. Pending and later readers drain what is
// left and then see io.EOF.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notify()
}

// End returns the offset just past the last byte written.
func (b *LogBuffer) End() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + len(b.data)
}

func (b *LogBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Since returns a copy of the bytes from offset on and the offset to
// continue from.
func (b *LogBuffer) Since(offset int) ([]byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.since(offset)
}

func (b *LogBuffer) since(offset int) ([]byte, int) {
	if offset < b.base {
		offset = b.base
	}
	end := b.base + len(b.data)
	if offset >= end {
		return nil, end
	}
	return append([]byte(nil), b.data[offset-b.base:]...), end
}

// Next blocks until there are bytes past offset, the log is closed, or ctx
// is done. It returns io.EOF once a closed log has been read to the end.
func (b *LogBuffer) Next(ctx context.Context, offset int) ([]byte, int, error) {
	for {
		b.mu.Lock()
		data, next := b.since(offset)
		closed := b.closed
		changed := b.changed
		b.mu.Unlock()

		if len(data) > 0 {
			return data, next, nil
		}
		if closed {
			return nil, next, io.EOF
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, next, ctx.Err()
		}
	}
}

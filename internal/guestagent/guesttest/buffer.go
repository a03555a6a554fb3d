package guesttest

import (
	"io"
	"sync"
)

// OutputBuffer is the guest-side store behind a captured pipe. Offsets are
// logical: byte n is the n-th byte ever written, whether or not it is still
// resident.
//
// A blocking buffer holds at most Capacity unacknowledged bytes; writers
// stall until a query moves past the oldest ones. A cyclic buffer never
// stalls and keeps only the most recent Capacity bytes.
type OutputBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cyclic   bool
	capacity uint64
	start    uint64 // logical offset of data[0]
	data     []byte
	closed   bool

	onWrite func()
}

// NewBlocking returns a buffer that applies backpressure when full.
func NewBlocking(capacity uint64) *OutputBuffer {
	return newBuffer(capacity, false)
}

// NewCyclic returns a buffer that overwrites its oldest bytes when full.
func NewCyclic(capacity uint64) *OutputBuffer {
	return newBuffer(capacity, true)
}

func newBuffer(capacity uint64, cyclic bool) *OutputBuffer {
	if capacity == 0 {
		capacity = 1
	}
	b := &OutputBuffer{cyclic: cyclic, capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Capacity returns the configured capacity.
func (b *OutputBuffer) Capacity() uint64 { return b.capacity }

// Start is the logical offset of the oldest resident byte.
func (b *OutputBuffer) Start() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start
}

// End is the logical offset one past the newest byte.
func (b *OutputBuffer) End() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + uint64(len(b.data))
}

// Buffered returns the number of resident bytes.
func (b *OutputBuffer) Buffered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// Write appends p. A blocking buffer writes as much as fits, waits for room,
// and repeats; it fails with io.ErrClosedPipe once the buffer is closed.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	if b.cyclic {
		return b.writeCyclic(p)
	}
	written := 0
	for len(p) > 0 {
		b.mu.Lock()
		for !b.closed && uint64(len(b.data)) >= b.capacity {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return written, io.ErrClosedPipe
		}
		n := min(uint64(len(p)), b.capacity-uint64(len(b.data)))
		b.data = append(b.data, p[:n]...)
		b.mu.Unlock()

		written += int(n)
		p = p[n:]
		b.wrote()
	}
	return written, nil
}

func (b *OutputBuffer) writeCyclic(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	if over := uint64(len(b.data)); over > b.capacity {
		drop := over - b.capacity
		b.data = append([]byte(nil), b.data[drop:]...)
		b.start += drop
	}
	b.mu.Unlock()
	b.wrote()
	return len(p), nil
}

func (b *OutputBuffer) wrote() {
	b.mu.Lock()
	fn := b.onWrite
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Query returns up to length resident bytes starting at logical offset.
// For a blocking buffer the query acknowledges everything before offset,
// freeing room for the writer. Bytes that are no longer resident are never
// returned, so a cyclic query that starts before Start yields only the
// resident part of the window.
func (b *OutputBuffer) Query(offset, length uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.start + uint64(len(b.data))
	if !b.cyclic && offset > b.start {
		ack := min(offset, end) - b.start
		b.data = append([]byte(nil), b.data[ack:]...)
		b.start += ack
		b.cond.Broadcast()
	}

	lo := max(offset, b.start)
	hi := end
	if offset+length >= offset {
		hi = min(offset+length, end)
	}
	if lo >= hi {
		return []byte{}
	}
	out := make([]byte, hi-lo)
	copy(out, b.data[lo-b.start:hi-b.start])
	return out
}

// Close wakes blocked writers; later writes fail. Resident bytes can still
// be queried.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *OutputBuffer) setOnWrite(fn func()) {
	b.mu.Lock()
	b.onWrite = fn
	b.mu.Unlock()
}

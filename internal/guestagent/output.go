package guestagent

import (
	"context"
	"errors"
	"io"
	"math"
)

// ErrNoOutput is returned by OutputReader.Read when the guest has nothing
// past the cursor yet.
var ErrNoOutput = errors.New("guestagent: no output available")

// DefaultChunk is the query size OutputReader uses when the caller's buffer
// is larger.
const DefaultChunk = 64 << 10

// OutputReader tracks a read cursor over a blocking pipe, where every byte
// is retained until the cursor passes it. It must not be used on a cyclic
// pipe: a query there answers from the oldest retained byte, which need not
// be at the cursor, so advancing by the bytes returned would read some of
// them twice. Use Client.Tail for cyclic pipes.
type OutputReader struct {
	c      *Client
	ctx    context.Context
	id     ProcessID
	fd     int
	offset uint64
}

// OutputReader returns a cursor at offset 0 of fd.
func (c *Client) OutputReader(ctx context.Context, id ProcessID, fd int) *OutputReader {
	return &OutputReader{c: c, ctx: ctx, id: id, fd: fd}
}

// Offset is the logical position of the next byte to be read.
func (r *OutputReader) Offset() uint64 { return r.offset }

// Read queries the guest at the cursor and advances it by the bytes
// returned. It never blocks waiting for the process to produce more; when
// nothing is pending it returns ErrNoOutput.
func (r *OutputReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	want := min(len(p), DefaultChunk)
	data, err := r.c.QueryOutput(r.ctx, r.id, r.fd, r.offset, uint64(want))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, ErrNoOutput
	}
	n := copy(p, data)
	r.offset += uint64(n)
	return n, nil
}

// Drain copies everything currently available into w.
func (r *OutputReader) Drain(w io.Writer) (int64, error) {
	buf := make([]byte, DefaultChunk)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, ErrNoOutput) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Tail returns every byte still retained by the cyclic pipe capturing fd:
// at most its capacity, ending at the newest byte written. It keeps no
// cursor, so two calls may return overlapping data. On a blocking pipe it
// returns the unacknowledged bytes without acknowledging any.
func (c *Client) Tail(ctx context.Context, id ProcessID, fd int) ([]byte, error) {
	return c.QueryOutput(ctx, id, fd, 0, math.MaxInt64)
}

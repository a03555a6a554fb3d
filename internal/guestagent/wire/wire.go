// Package wire implements the guest agent control protocol codec.
//
// Every integer is little endian. A request is a fixed header (message id and
// type) followed by sub-messages terminated by SubEnd; guest messages are a
// header followed by a type specific body. Byte strings are a u64 length
// followed by the data, string arrays a u64 count followed by byte strings.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxBytesLen bounds any single byte string on the wire.
const MaxBytesLen = 64 << 20

// ErrMalformed marks decode failures caused by the peer sending bytes that do
// not form a valid message, as opposed to the underlying stream failing.
var ErrMalformed = errors.New("wire: malformed message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Encoder appends protocol values to an in-memory buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Reset clears the buffer for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// WriteBytes appends a length-prefixed byte slice.
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) {
	e.Uint64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// StringSlice appends a u64 count followed by each string.
func (e *Encoder) StringSlice(ss []string) {
	e.Uint64(uint64(len(ss)))
	for _, s := range ss {
		e.String(s)
	}
}

// Decoder reads protocol values from a stream. Short reads are retried until
// the value is complete, so callers never observe partial values.
type Decoder struct {
	r   *bufio.Reader
	tmp [8]byte
}

// NewDecoder wraps r. The decoder buffers, so r must not be read elsewhere.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func (d *Decoder) fill(n int) ([]byte, error) {
	b := d.tmp[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Uint8 reads a uint8. It returns io.EOF only when the stream ended cleanly
// before the value.
func (d *Decoder) Uint8() (uint8, error) {
	return d.r.ReadByte()
}

func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bytes reads a length-prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	length, err := d.Uint64()
	if err != nil {
		return nil, err
	}
	if length > MaxBytesLen {
		return nil, malformed("byte string of %d bytes exceeds limit", length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, midMessage(err)
	}
	return b, nil
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// StringSlice reads a counted array of strings.
func (d *Decoder) StringSlice() ([]string, error) {
	count, err := d.Uint64()
	if err != nil {
		return nil, err
	}
	if count > MaxBytesLen/8 {
		return nil, malformed("array of %d entries exceeds limit", count)
	}
	ss := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := d.String()
		if err != nil {
			return nil, midMessage(err)
		}
		ss = append(ss, s)
	}
	return ss, nil
}

// midMessage converts a clean EOF into io.ErrUnexpectedEOF: once a message has
// started, the stream ending is never clean.
func midMessage(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

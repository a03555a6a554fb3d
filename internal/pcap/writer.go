// Package pcap records relay traffic as classic libpcap streams readable by
// tcpdump and Wireshark.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT for Ethernet II frames.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen captures any frame a u16 length prefix can carry.
const DefaultSnapLen = 65535

const (
	magicMicros   = 0xa1b2c3d4
	fileHeaderLen = 24
	recordLen     = 16
)

// ErrBadMagic is returned by NewReader for streams that are not little
// endian microsecond pcap.
var ErrBadMagic = errors.New("pcap: bad magic")

// Writer appends Ethernet frames to a pcap stream. It is safe for
// concurrent use; each frame is written as one record.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	packets int
}

// NewWriter writes the global header to out and returns a Writer. A snapLen
// of 0 selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicros)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records frame with the current time. Frames longer than the
// snap length are truncated; the record keeps the original length.
func (w *Writer) WriteFrame(frame []byte) error {
	return w.writeAt(w.now(), frame)
}

func (w *Writer) writeAt(ts time.Time, frame []byte) error {
	if uint64(len(frame)) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame of %d bytes", len(frame))
	}
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %v out of range", ts)
	}
	captured := frame
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}

	var rec [recordLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	w.packets++
	return nil
}

// Packets returns the number of records written.
func (w *Writer) Packets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Record is one captured frame.
type Record struct {
	Timestamp time.Time
	Length    int // original length on the wire
	Data      []byte
}

// Reader reads back a stream produced by Writer.
type Reader struct {
	r        io.Reader
	SnapLen  uint32
	LinkType uint32
}

// NewReader consumes the global header of r.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magicMicros {
		return nil, ErrBadMagic
	}
	return &Reader{
		r:        r,
		SnapLen:  binary.LittleEndian.Uint32(hdr[16:20]),
		LinkType: binary.LittleEndian.Uint32(hdr[20:24]),
	}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec [recordLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		return Record{}, err
	}
	capLen := binary.LittleEndian.Uint32(rec[8:12])
	if capLen > r.SnapLen {
		return Record{}, fmt.Errorf("pcap: record of %d bytes exceeds snap length %d", capLen, r.SnapLen)
	}
	data := make([]byte, capLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("pcap: read frame: %w", err)
	}
	sec := binary.LittleEndian.Uint32(rec[0:4])
	usec := binary.LittleEndian.Uint32(rec[4:8])
	return Record{
		Timestamp: time.Unix(int64(sec), int64(usec)*1_000),
		Length:    int(binary.LittleEndian.Uint32(rec[12:16])),
		Data:      data,
	}, nil
}

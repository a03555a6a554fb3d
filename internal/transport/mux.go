package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Logical channels carried by a Mux.
const (
	ChannelControl uint8 = 0
	ChannelNetwork uint8 = 1
)

// MaxRecordLen is the largest payload a single mux record may carry.
const MaxRecordLen = 16384

const muxHeaderLen = 3

var (
	// ErrChannelClosed is returned by operations on a closed Channel.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrMuxProtocol marks a peer that sent an invalid record.
	ErrMuxProtocol = errors.New("transport: mux protocol error")
)

// Mux carries several logical byte streams over one duplex connection.
//
// Wire format, per record:
//
//	[1 byte: channel][2 bytes: payload length, little endian][payload]
//
// Records for different channels may interleave freely; within a channel
// bytes are delivered in order.
type Mux struct {
	conn io.ReadWriteCloser
	log  *slog.Logger

	wmu sync.Mutex

	mu       sync.Mutex
	channels map[uint8]*Channel
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// NewMux starts demultiplexing conn into the given channels. Records for any
// other channel are a protocol error and tear the Mux down.
func NewMux(conn io.ReadWriteCloser, log *slog.Logger, channels ...uint8) *Mux {
	if log == nil {
		log = slog.Default()
	}
	m := &Mux{
		conn:     conn,
		log:      log,
		channels: make(map[uint8]*Channel, len(channels)),
		done:     make(chan struct{}),
	}
	for _, id := range channels {
		ch := &Channel{mux: m, id: id}
		ch.cond = sync.NewCond(&ch.mu)
		m.channels[id] = ch
	}
	go m.readLoop()
	return m
}

// Channel returns the logical channel id, or nil if it was not registered.
func (m *Mux) Channel(id uint8) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// Done is closed once the underlying connection has failed or been closed.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the Mux, io.EOF for a clean shutdown.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close closes the underlying connection and every channel.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.conn.Close()
	})
	m.fail(io.EOF)
	return err
}

func (m *Mux) fail(err error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.err = err
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		ch.cond.Broadcast()
		ch.mu.Unlock()
	}
	close(m.done)
}

func (m *Mux) readLoop() {
	var hdr [muxHeaderLen]byte
	for {
		if _, err := io.ReadFull(m.conn, hdr[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%w: truncated record header", ErrMuxProtocol)
			}
			m.shutdown(err)
			return
		}
		id := hdr[0]
		length := int(binary.LittleEndian.Uint16(hdr[1:3]))
		if length > MaxRecordLen {
			m.shutdown(fmt.Errorf("%w: record of %d bytes on channel %d", ErrMuxProtocol, length, id))
			return
		}
		ch := m.Channel(id)
		if ch == nil {
			m.shutdown(fmt.Errorf("%w: record for unknown channel %d", ErrMuxProtocol, id))
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(m.conn, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			m.shutdown(err)
			return
		}
		ch.deliver(payload)
	}
}

func (m *Mux) shutdown(err error) {
	if m.Err() != nil {
		// Closed locally; the read error is a consequence.
		return
	}
	if !errors.Is(err, io.EOF) {
		m.log.Warn("transport: mux stopped", "err", err)
	}
	m.closeOnce.Do(func() {
		_ = m.conn.Close()
	})
	m.fail(err)
}

func (m *Mux) writeRecord(id uint8, p []byte) error {
	var hdr [muxHeaderLen]byte
	hdr[0] = id
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(p)))

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := m.Err(); err != nil {
		return err
	}
	if _, err := m.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := m.conn.Write(p)
	return err
}

// Channel is one logical stream of a Mux. It implements io.ReadWriteCloser.
type Channel struct {
	mux *Mux
	id  uint8

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

// ID returns the channel number.
func (c *Channel) ID() uint8 { return c.id }

func (c *Channel) deliver(p []byte) {
	c.mu.Lock()
	if !c.closed {
		c.buf.Write(p)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Read blocks until data is available, the channel is closed or the Mux has
// stopped. Buffered data is always drained before an error is reported.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		if err := c.mux.Err(); err != nil {
			return 0, err
		}
		c.cond.Wait()
	}
	return c.buf.Read(p)
}

// Write splits p into records of at most MaxRecordLen bytes.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}

	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxRecordLen)
		if err := c.mux.writeRecord(c.id, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close closes this channel only; the Mux and its other channels keep running.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf.Reset()
	c.cond.Broadcast()
	return nil
}

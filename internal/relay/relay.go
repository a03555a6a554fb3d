// Package relay terminates the guest's network channel. It answers ARP
// requests and ICMP echo requests so the guest sees a live peer, and drops
// everything else. Nothing is ever forwarded to a real network.
package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/vmhost/internal/pcap"
)

// MaxFrameLen is the largest frame the u16 length prefix can describe.
const MaxFrameLen = 0xffff

const frameHeaderLen = 2

// IdentificationCounter hands out IPv4 identification values. It wraps
// silently at 2^16.
type IdentificationCounter struct {
	v atomic.Uint32
}

// NewIdentificationCounter returns a counter whose first value is start.
func NewIdentificationCounter(start uint16) *IdentificationCounter {
	c := &IdentificationCounter{}
	c.v.Store(uint32(start))
	return c
}

// Next returns the current value and advances the counter.
func (c *IdentificationCounter) Next() uint16 {
	return uint16(c.v.Add(1) - 1)
}

// defaultCounter is shared by every Responder that is not given its own.
var defaultCounter = NewIdentificationCounter(42)

// Option configures a Responder or Relay.
type Option func(*Responder)

// WithHardwareAddr sets the MAC claimed in ARP replies.
func WithHardwareAddr(hw net.HardwareAddr) Option {
	return func(r *Responder) { r.hw = hw }
}

// WithCounter makes the responder use ids instead of the process-wide
// counter.
func WithCounter(ids *IdentificationCounter) Option {
	return func(r *Responder) { r.ids = ids }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Responder) { r.log = log }
}

// WithCapture records every inbound frame and every reply.
func WithCapture(w *pcap.Writer) Option {
	return func(r *Responder) { r.capture = w }
}

// WithDropLogRate limits drop diagnostics to n per second with the given
// burst.
func WithDropLogRate(n float64, burst int) Option {
	return func(r *Responder) { r.drops = rate.NewLimiter(rate.Limit(n), burst) }
}

// Responder maps one guest frame to at most one reply frame.
type Responder struct {
	hw      net.HardwareAddr
	ids     *IdentificationCounter
	log     *slog.Logger
	capture *pcap.Writer

	drops      *rate.Limiter
	suppressed atomic.Uint64
}

// NewResponder returns a Responder configured by opts.
func NewResponder(opts ...Option) *Responder {
	r := &Responder{
		hw:    DefaultHardwareAddr,
		ids:   defaultCounter,
		drops: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// HandleFrame returns the reply to frame, or nil. Malformed and unsupported
// traffic is logged and dropped.
func (r *Responder) HandleFrame(frame []byte) []byte {
	eth, err := parseEthernet(frame)
	if err != nil {
		r.drop("ethernet", err)
		return nil
	}

	var payload []byte
	switch eth.etherType {
	case etherTypeARP:
		payload = r.handleARP(eth.payload)
	case etherTypeIPv4:
		payload = r.handleIPv4(eth.payload)
	default:
		r.drop("ethernet", fmt.Errorf("unsupported %s from %s", eth.etherType, eth.src))
	}
	if payload == nil {
		return nil
	}
	return buildEthernet(eth, payload)
}

func (r *Responder) handleARP(b []byte) []byte {
	req, err := parseARP(b)
	if err != nil {
		r.drop("arp", err)
		return nil
	}
	if req.op != arpOpRequest {
		r.log.Debug("relay: ignoring arp", "op", req.op)
		return nil
	}
	r.log.Debug("relay: arp request",
		"sender", net.IP(req.senderIP).String(),
		"target", net.IP(req.targetIP).String())
	return arpReply(req, r.hw)
}

func (r *Responder) handleIPv4(b []byte) []byte {
	h, err := parseIPv4(b)
	if err != nil {
		r.drop("ipv4", err)
		return nil
	}
	if h.protocol != protoICMP {
		r.drop("ipv4", fmt.Errorf("unsupported %s %s -> %s", h.protocol, h.src, h.dst))
		return nil
	}
	icmp := r.handleICMP(h)
	if icmp == nil {
		return nil
	}
	return ipv4Reply(h, r.ids.Next(), icmp)
}

func (r *Responder) handleICMP(h ipv4Header) []byte {
	m, err := parseICMP(h.payload)
	if err != nil {
		r.drop("icmp", err)
		return nil
	}
	switch m.typ {
	case icmpEchoRequest:
		if checksum(m.raw) != 0 {
			r.drop("icmp", malformed("echo request %s -> %s with bad checksum 0x%04x", h.src, h.dst, m.sum))
			return nil
		}
		r.log.Debug("relay: echo request", "src", h.src, "dst", h.dst, "id", m.ident, "seq", m.seq, "size", len(m.raw))
		return echoReply(m)
	case icmpEchoReply:
		r.log.Debug("relay: echo reply", "src", h.src, "dst", h.dst, "id", m.ident, "seq", m.seq)
	default:
		r.drop("icmp", fmt.Errorf("unsupported type %d %s -> %s", m.typ, h.src, h.dst))
	}
	return nil
}

func (r *Responder) drop(layer string, err error) {
	if !r.drops.Allow() {
		r.suppressed.Add(1)
		return
	}
	level := slog.LevelDebug
	if errors.Is(err, errMalformed) {
		level = slog.LevelWarn
	}
	args := []any{"layer", layer, "err", err}
	if n := r.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	r.log.Log(context.Background(), level, "relay: drop", args...)
}

func (r *Responder) record(frame []byte) {
	if r.capture == nil {
		return
	}
	if err := r.capture.WriteFrame(frame); err != nil {
		r.drop("capture", err)
	}
}

// Relay runs a Responder over a length-prefixed frame stream.
//
// Each frame on the stream is preceded by its length as a little endian
// u16. Replies are framed the same way.
type Relay struct {
	rw   io.ReadWriter
	resp *Responder
}

// New returns a relay over rw.
func New(rw io.ReadWriter, opts ...Option) *Relay {
	return &Relay{rw: rw, resp: NewResponder(opts...)}
}

// Serve handles frames until the stream ends, returning nil on a clean
// EOF. If ctx is cancelled and rw is an io.Closer it is closed to unblock
// the read.
func (r *Relay) Serve(ctx context.Context) error {
	if c, ok := r.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	log := r.resp.log
	br := bufio.NewReader(r.rw)
	var hdr [frameHeaderLen]byte
	out := make([]byte, 0, frameHeaderLen+1500)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return r.closed(ctx, err)
		}
		n := int(binary.LittleEndian.Uint16(hdr[:]))
		frame := make([]byte, n)
		if _, err := io.ReadFull(br, frame); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return r.closed(ctx, err)
		}

		r.resp.record(frame)
		reply := r.resp.HandleFrame(frame)
		if reply == nil {
			continue
		}
		r.resp.record(reply)

		out = binary.LittleEndian.AppendUint16(out[:0], uint16(len(reply)))
		out = append(out, reply...)
		if _, err := r.rw.Write(out); err != nil {
			return r.closed(ctx, err)
		}
		log.Debug("relay: reply", "len", len(reply))
	}
}

func (r *Relay) closed(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("relay: %w", err)
}

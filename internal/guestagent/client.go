// Package guestagent is the host side of the guest control protocol. A Client
// sends one request at a time to the in-guest agent and demultiplexes its
// responses from the unsolicited notifications the guest emits.
package guestagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/tinyrange/vmhost/internal/guestagent/wire"
	"github.com/tinyrange/vmhost/internal/transport"
)

// Interface selects one of the guest's virtual network interfaces.
type Interface uint16

const (
	InterfaceVPN  Interface = 0
	InterfaceInet Interface = 1
)

func (i Interface) String() string {
	switch i {
	case InterfaceVPN:
		return "vpn"
	case InterfaceInet:
		return "inet"
	}
	return fmt.Sprintf("iface(%d)", uint16(i))
}

// HostEntry is one line of the guest's hosts table.
type HostEntry struct {
	Addr string
	Name string
}

type options struct {
	log     *slog.Logger
	backoff time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithBackoff sets the pause between connection attempts in Connect.
func WithBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// Client is a connection to the guest agent.
//
// Requests are strictly sequential: a request is only written once the
// response to the previous one has been read, even when the previous caller
// has given up waiting for it.
type Client struct {
	rwc     io.ReadWriteCloser
	log     *slog.Logger
	handler Handler

	// lock is held from writing a request until its response arrives.
	lock   chan struct{}
	enc    *wire.Encoder
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan wire.Message
	quitting bool
	err      error

	done chan struct{}
}

// Connect dials the guest control endpoint, retrying up to retries extra
// times, and returns a Client whose notifications go to handler.
func Connect(ctx context.Context, endpoint string, retries int, handler Handler, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn, err := transport.Dial(ctx, endpoint, transport.DialConfig{
		Retries: retries,
		Backoff: o.backoff,
		Logger:  o.log,
	})
	if err != nil {
		return nil, err
	}
	return NewClient(conn, handler, opts...), nil
}

func buildOptions(opts []Option) options {
	o := options{backoff: transport.DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// NewClient starts a Client over an established control stream. handler may
// be nil, in which case notifications are dropped.
func NewClient(rwc io.ReadWriteCloser, handler Handler, opts ...Option) *Client {
	o := buildOptions(opts)
	c := &Client{
		rwc:     rwc,
		log:     o.log,
		handler: handler,
		lock:    make(chan struct{}, 1),
		enc:     wire.NewEncoder(),
		pending: make(map[uint64]chan wire.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down without telling the guest. Pending and
// future calls fail with ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.pending = nil
	c.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		c.log.Warn("guestagent: connection failed", "err", err)
	}
	close(c.done)
	_ = c.rwc.Close()
}

func (c *Client) readLoop() {
	d := wire.NewDecoder(c.rwc)
	for {
		m, err := wire.ReadMessage(d)
		if err != nil {
			c.readFailed(err)
			return
		}
		if m.Type.IsNotification() {
			c.notify(m)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if !ok {
			if c.Err() != nil {
				return
			}
			c.fail(&ProtocolError{Err: fmt.Errorf("response %s for unknown request %d", m.Type, m.ID)})
			return
		}
		ch <- m
	}
}

func (c *Client) readFailed(err error) {
	c.mu.Lock()
	quitting := c.quitting
	c.mu.Unlock()

	switch {
	case errors.Is(err, wire.ErrMalformed):
		c.fail(&ProtocolError{Err: err})
	case quitting && errors.Is(err, io.EOF):
		c.fail(ErrClosed)
	default:
		c.fail(&TransportError{Err: err})
	}
}

func (c *Client) notify(m wire.Message) {
	if c.handler == nil {
		return
	}
	n := Notification{Process: ProcessID(m.Process)}
	switch m.Type {
	case wire.NotifyOutputAvailable:
		n.Kind = OutputAvailable
		n.FD = int(m.FD)
	case wire.NotifyProcessDied:
		n.Kind = ProcessDied
		n.Reason = ExitReason{Status: m.Status, Kind: ExitKind(m.ExitKind)}
	}
	c.handler(n)
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
	if err := c.Err(); err != nil {
		c.release()
		return err
	}
	return nil
}

func (c *Client) release() {
	<-c.lock
}

// call sends req and waits for the matching response.
func (c *Client) call(ctx context.Context, req *wire.Request) (wire.Message, error) {
	if err := c.acquire(ctx); err != nil {
		return wire.Message{}, err
	}

	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.release()
		return wire.Message{}, err
	}
	req.ID = c.nextID.Add(1)
	c.pending[req.ID] = ch
	if req.Type == wire.MsgQuit {
		// Only now is no other request in flight.
		c.quitting = true
	}
	c.mu.Unlock()

	c.enc.Reset()
	if err := req.Encode(c.enc); err != nil {
		c.forget(req.ID)
		c.release()
		return wire.Message{}, err
	}
	c.log.Debug("guestagent: request", "id", req.ID, "type", req.Type)
	if _, err := c.rwc.Write(c.enc.Bytes()); err != nil {
		c.fail(&TransportError{Err: err})
		c.release()
		return wire.Message{}, c.Err()
	}

	select {
	case m := <-ch:
		c.release()
		return m, nil
	case <-c.done:
		c.release()
		select {
		case m := <-ch:
			return m, nil
		default:
			return wire.Message{}, c.Err()
		}
	case <-ctx.Done():
		// The guest will still answer; hold the lock until it does.
		go func() {
			select {
			case <-ch:
			case <-c.done:
			}
			c.release()
		}()
		return wire.Message{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// expect checks the response type for op. A RespErr becomes a *GuestError;
// any other unexpected type means the two sides disagree about the protocol
// and the connection is torn down.
func (c *Client) expect(op string, m wire.Message, want wire.GuestMsgType) error {
	if m.Type == want {
		return nil
	}
	if m.Type == wire.RespErr {
		return &GuestError{Op: op, Code: m.Code}
	}
	err := &ProtocolError{Err: fmt.Errorf("%s: got %s response, want %s", op, m.Type, want)}
	c.fail(err)
	return err
}

// RunProcess spawns spec in the guest.
func (c *Client) RunProcess(ctx context.Context, spec ProcessSpec) (ProcessID, error) {
	return c.run(ctx, spec, false)
}

// RunEntrypoint spawns spec as the task's top-level process. The guest may
// shut down once it exits.
func (c *Client) RunEntrypoint(ctx context.Context, spec ProcessSpec) (ProcessID, error) {
	return c.run(ctx, spec, true)
}

func (c *Client) run(ctx context.Context, spec ProcessSpec, entrypoint bool) (ProcessID, error) {
	run, err := spec.toWire(entrypoint)
	if err != nil {
		return 0, err
	}
	m, err := c.call(ctx, &wire.Request{Type: wire.MsgRunProcess, Run: run})
	if err != nil {
		return 0, err
	}
	if err := c.expect("run "+spec.Path, m, wire.RespOKU64); err != nil {
		return 0, err
	}
	return ProcessID(m.Value), nil
}

// Kill asks the guest to terminate id. It does not wait for the process to
// die; watch for the ProcessDied notification instead.
func (c *Client) Kill(ctx context.Context, id ProcessID) error {
	m, err := c.call(ctx, &wire.Request{Type: wire.MsgKillProcess, Kill: &wire.Kill{ID: uint64(id)}})
	if err != nil {
		return err
	}
	return c.expect("kill", m, wire.RespOK)
}

// QueryOutput reads up to length bytes at offset of the buffer capturing fd.
// Offsets count from the first byte the process ever wrote to fd. For a
// blocking pipe, querying at offset releases every byte before it.
func (c *Client) QueryOutput(ctx context.Context, id ProcessID, fd int, offset, length uint64) ([]byte, error) {
	if fd < Stdin || fd > Stderr {
		return nil, fmt.Errorf("query output: bad fd %d", fd)
	}
	m, err := c.call(ctx, &wire.Request{Type: wire.MsgQueryOutput, Query: &wire.QueryOutput{
		ID:     uint64(id),
		FD:     uint8(fd),
		Offset: offset,
		Length: length,
	}})
	if err != nil {
		return nil, err
	}
	if err := c.expect("query output", m, wire.RespOKBytes); err != nil {
		return nil, err
	}
	if uint64(len(m.Data)) > length {
		err := &ProtocolError{Err: fmt.Errorf("query output: %d bytes returned for %d requested", len(m.Data), length)}
		c.fail(err)
		return nil, err
	}
	return m.Data, nil
}

// Mount attaches the host share registered as tag at guestPath.
func (c *Client) Mount(ctx context.Context, tag, guestPath string) error {
	if tag == "" || guestPath == "" {
		return fmt.Errorf("mount: tag and path are required")
	}
	m, err := c.call(ctx, &wire.Request{Type: wire.MsgMountVolume, Mount: &wire.Mount{Tag: tag, Path: guestPath}})
	if err != nil {
		return err
	}
	return c.expect("mount "+tag, m, wire.RespOK)
}

// AddAddress assigns addr/mask to iface.
func (c *Client) AddAddress(ctx context.Context, addr, mask string, iface Interface) error {
	if err := checkIPv4("address", addr); err != nil {
		return err
	}
	if err := checkIPv4("mask", mask); err != nil {
		return err
	}
	return c.netCall(ctx, "add address", &wire.Request{Type: wire.MsgNetCtl, NetCtl: &wire.NetCtl{
		Flags: wire.NetCtlAddAddress,
		Addr:  addr,
		Mask:  mask,
		Iface: uint16(iface),
	}})
}

// CreateNetwork routes subnet/mask through gateway on iface.
func (c *Client) CreateNetwork(ctx context.Context, subnet, mask, gateway string, iface Interface) error {
	for _, f := range []struct{ name, v string }{{"subnet", subnet}, {"mask", mask}, {"gateway", gateway}} {
		if err := checkIPv4(f.name, f.v); err != nil {
			return err
		}
	}
	return c.netCall(ctx, "create network", &wire.Request{Type: wire.MsgNetCtl, NetCtl: &wire.NetCtl{
		Flags:   wire.NetCtlAddRoute,
		Addr:    subnet,
		Mask:    mask,
		Gateway: gateway,
		Iface:   uint16(iface),
	}})
}

// AddHosts appends entries to the guest hosts table.
func (c *Client) AddHosts(ctx context.Context, entries []HostEntry) error {
	req := &wire.Request{Type: wire.MsgNetHost}
	for _, e := range entries {
		if err := checkIPv4("host address", e.Addr); err != nil {
			return err
		}
		if _, ok := dns.IsDomainName(e.Name); !ok || e.Name == "" {
			return fmt.Errorf("add hosts: invalid host name %q", e.Name)
		}
		req.Hosts = append(req.Hosts, wire.HostEntry{Addr: e.Addr, Name: e.Name})
	}
	return c.netCall(ctx, "add hosts", req)
}

// netCall treats an error status of 0 as success; guest agents in the wild
// answer network requests that way.
func (c *Client) netCall(ctx context.Context, op string, req *wire.Request) error {
	m, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if m.Type == wire.RespErr && m.Code == 0 {
		return nil
	}
	return c.expect(op, m, wire.RespOK)
}

func checkIPv4(what, s string) error {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return fmt.Errorf("invalid IPv4 %s %q", what, s)
	}
	return nil
}

// Quit asks the guest agent to shut down. Every later call fails with
// ErrClosed.
func (c *Client) Quit(ctx context.Context) error {
	m, err := c.call(ctx, &wire.Request{Type: wire.MsgQuit})
	switch {
	case errors.Is(err, ErrClosed):
		// The guest hung up before answering.
		return nil
	case err != nil:
		return err
	}
	err = c.expect("quit", m, wire.RespOK)
	c.fail(ErrClosed)
	return err
}

// Package guesttest provides an in-process guest agent for exercising the
// control protocol without a virtual machine. Programs are Go functions
// registered by path; their stdout and stderr go through real
// OutputBuffers, so capture semantics match a guest.
package guesttest

import (
	"bytes"
	"errors"
	"io"
	"net"
	"path"
	"sync"
	"testing"

	"github.com/tinyrange/vmhost/internal/guestagent/wire"
)

// Errno values the agent answers with.
const (
	ENOENT = 2
	ESRCH  = 3
	EBADF  = 9
	EINVAL = 22
)

// Exit kinds reported in NotifyProcessDied.
const (
	KindExited uint8 = 0
	KindKilled uint8 = 1
)

// Exit is how a program ended.
type Exit struct {
	Status uint8
	Kind   uint8
}

// Code is a normal exit with status n.
func Code(n uint8) Exit { return Exit{Status: n, Kind: KindExited} }

// Program is the body of a scripted guest binary. It should return promptly
// once Killed is closed or a write fails.
type Program func(p *Proc) Exit

// Proc is the view a running Program has of itself.
type Proc struct {
	ID     uint64
	Args   []string
	Env    []string
	Dir    string
	UID    uint32
	GID    uint32
	Stdout io.Writer
	Stderr io.Writer

	killed chan struct{}
}

// Killed is closed when the host kills the process.
func (p *Proc) Killed() <-chan struct{} { return p.killed }

type process struct {
	proc    *Proc
	buffers [3]*OutputBuffer
	dead    bool
	killed  bool
}

// Hook may answer a request in place of the agent. The returned message is
// sent as is, including its ID, so tests can provoke protocol errors. A
// hook that blocks stalls the agent's request loop.
type Hook func(req *wire.Request) (resp wire.Message, handled bool)

// Agent is a scripted guest agent serving one control connection.
type Agent struct {
	programs map[string]Program
	shares   map[string]bool
	zeroErr  bool
	hook     Hook

	wmu  sync.Mutex
	conn io.ReadWriteCloser

	mu       sync.Mutex
	nextPID  uint64
	procs    map[uint64]*process
	requests []*wire.Request
	mounts   map[string]string
	netCtl   []wire.NetCtl
	hosts    []wire.HostEntry
	files    map[string]*bytes.Buffer
	quit     bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithShare registers a mount tag the host may attach.
func WithShare(tag string) Option {
	return func(a *Agent) { a.shares[tag] = true }
}

// WithZeroErrNet makes the agent acknowledge network requests with an
// error status of 0, as some guest agents do.
func WithZeroErrNet() Option {
	return func(a *Agent) { a.zeroErr = true }
}

// WithHook installs h in front of the agent's own handling.
func WithHook(h Hook) Option {
	return func(a *Agent) { a.hook = h }
}

// New returns an agent that can run the given programs, keyed by path.
func New(programs map[string]Program, opts ...Option) *Agent {
	a := &Agent{
		programs: programs,
		shares:   make(map[string]bool),
		nextPID:  100,
		procs:    make(map[uint64]*process),
		mounts:   make(map[string]string),
		files:    make(map[string]*bytes.Buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start serves a on one end of an in-memory pipe and returns the other end.
// Everything is torn down when the test ends.
func Start(t testing.TB, a *Agent) net.Conn {
	t.Helper()
	host, guest := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Serve(guest); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.Logf("guesttest: serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		host.Close()
		guest.Close()
		a.KillAll()
		<-done
	})
	return host
}

// Serve answers requests on conn until the host hangs up or quits.
func (a *Agent) Serve(conn io.ReadWriteCloser) error {
	a.wmu.Lock()
	a.conn = conn
	a.wmu.Unlock()

	d := wire.NewDecoder(conn)
	for {
		req, err := wire.ReadRequest(d)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		a.mu.Lock()
		a.requests = append(a.requests, req)
		a.mu.Unlock()

		if a.hook != nil {
			if resp, ok := a.hook(req); ok {
				if err := a.Send(resp); err != nil {
					return err
				}
				continue
			}
		}

		resp := a.handle(req)
		resp.ID = req.ID
		if err := a.Send(resp); err != nil {
			return err
		}
		if req.Type == wire.MsgQuit {
			a.KillAll()
			return conn.Close()
		}
	}
}

// Send writes one guest message to the host.
func (a *Agent) Send(m wire.Message) error {
	enc := wire.NewEncoder()
	m.Encode(enc)
	return a.SendRaw(enc.Bytes())
}

// SendRaw writes b to the host unchanged.
func (a *Agent) SendRaw(b []byte) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if a.conn == nil {
		return io.ErrClosedPipe
	}
	_, err := a.conn.Write(b)
	return err
}

func errResp(code uint32) wire.Message {
	return wire.Message{Type: wire.RespErr, Code: code}
}

func (a *Agent) handle(req *wire.Request) wire.Message {
	switch req.Type {
	case wire.MsgQuit:
		a.mu.Lock()
		a.quit = true
		a.mu.Unlock()
		return wire.Message{Type: wire.RespOK}
	case wire.MsgRunProcess:
		return a.run(req.Run)
	case wire.MsgKillProcess:
		return a.kill(req.Kill.ID)
	case wire.MsgMountVolume:
		return a.mount(req.Mount)
	case wire.MsgQueryOutput:
		return a.query(req.Query)
	case wire.MsgNetCtl:
		a.mu.Lock()
		a.netCtl = append(a.netCtl, *req.NetCtl)
		a.mu.Unlock()
		return a.netOK()
	case wire.MsgNetHost:
		a.mu.Lock()
		a.hosts = append(a.hosts, req.Hosts...)
		a.mu.Unlock()
		return a.netOK()
	}
	return errResp(EINVAL)
}

func (a *Agent) netOK() wire.Message {
	if a.zeroErr {
		return errResp(0)
	}
	return wire.Message{Type: wire.RespOK}
}

func (a *Agent) run(run *wire.RunProcess) wire.Message {
	prog, ok := a.programs[run.Bin]
	if !ok {
		return errResp(ENOENT)
	}

	a.mu.Lock()
	a.nextPID++
	pid := a.nextPID
	p := &process{proc: &Proc{
		ID:     pid,
		Args:   run.Args,
		Env:    run.Env,
		Dir:    run.Dir,
		UID:    run.UID,
		GID:    run.GID,
		Stdout: io.Discard,
		Stderr: io.Discard,
		killed: make(chan struct{}),
	}}
	for _, rd := range run.Redirects {
		if rd.FD > 2 {
			a.mu.Unlock()
			return errResp(EBADF)
		}
		var w io.Writer
		switch rd.Kind {
		case wire.RedirectPipeBlocking:
			p.buffers[rd.FD] = NewBlocking(rd.Capacity)
			w = p.buffers[rd.FD]
		case wire.RedirectPipeCyclic:
			p.buffers[rd.FD] = NewCyclic(rd.Capacity)
			w = p.buffers[rd.FD]
		case wire.RedirectFile:
			w = &fileWriter{a: a, path: rd.Path}
		}
		switch rd.FD {
		case 1:
			p.proc.Stdout = w
		case 2:
			p.proc.Stderr = w
		}
	}
	a.procs[pid] = p
	a.mu.Unlock()

	for fd, b := range p.buffers {
		if b != nil {
			b.setOnWrite(func() {
				_ = a.Send(wire.Message{Type: wire.NotifyOutputAvailable, Process: pid, FD: uint32(fd)})
			})
		}
	}

	go func() {
		exit := prog(p.proc)
		a.mu.Lock()
		p.dead = true
		if p.killed {
			exit = Exit{Status: 9, Kind: KindKilled}
		}
		a.mu.Unlock()
		_ = a.Send(wire.Message{
			Type:     wire.NotifyProcessDied,
			Process:  pid,
			Status:   exit.Status,
			ExitKind: exit.Kind,
		})
	}()

	return wire.Message{Type: wire.RespOKU64, Value: pid}
}

func (a *Agent) kill(pid uint64) wire.Message {
	a.mu.Lock()
	p, ok := a.procs[pid]
	if !ok || p.dead || p.killed {
		a.mu.Unlock()
		return errResp(ESRCH)
	}
	p.killed = true
	a.mu.Unlock()

	close(p.proc.killed)
	for _, b := range p.buffers {
		if b != nil {
			b.Close()
		}
	}
	return wire.Message{Type: wire.RespOK}
}

func (a *Agent) mount(m *wire.Mount) wire.Message {
	if !a.shares[m.Tag] {
		return errResp(ENOENT)
	}
	if !path.IsAbs(m.Path) {
		return errResp(EINVAL)
	}
	a.mu.Lock()
	a.mounts[m.Path] = m.Tag
	a.mu.Unlock()
	return wire.Message{Type: wire.RespOK}
}

func (a *Agent) query(q *wire.QueryOutput) wire.Message {
	a.mu.Lock()
	p, ok := a.procs[q.ID]
	a.mu.Unlock()
	if !ok {
		return errResp(ESRCH)
	}
	if q.FD > 2 || p.buffers[q.FD] == nil {
		return errResp(EBADF)
	}
	return wire.Message{Type: wire.RespOKBytes, Data: p.buffers[q.FD].Query(q.Offset, q.Length)}
}

// KillAll kills every live process.
func (a *Agent) KillAll() {
	a.mu.Lock()
	var pids []uint64
	for pid, p := range a.procs {
		if !p.dead && !p.killed {
			pids = append(pids, pid)
		}
	}
	a.mu.Unlock()
	for _, pid := range pids {
		a.kill(pid)
	}
}

// Buffer returns the output buffer behind fd of process pid, or nil.
func (a *Agent) Buffer(pid uint64, fd int) *OutputBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.procs[pid]
	if !ok || fd < 0 || fd > 2 {
		return nil
	}
	return p.buffers[fd]
}

// Requests returns every request received so far, in order.
func (a *Agent) Requests() []*wire.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*wire.Request(nil), a.requests...)
}

// Mounts maps guest paths to the share tags mounted there.
func (a *Agent) Mounts() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.mounts))
	for k, v := range a.mounts {
		out[k] = v
	}
	return out
}

// NetCtl returns the network control requests received.
func (a *Agent) NetCtl() []wire.NetCtl {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.NetCtl(nil), a.netCtl...)
}

// Hosts returns the hosts entries added.
func (a *Agent) Hosts() []wire.HostEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.HostEntry(nil), a.hosts...)
}

// File returns what processes wrote to the guest file at path.
func (a *Agent) File(path string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.files[path]; ok {
		return append([]byte(nil), b.Bytes()...)
	}
	return nil
}

// Quit reports whether the host asked the agent to quit.
func (a *Agent) Quit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quit
}

type fileWriter struct {
	a    *Agent
	path string
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.a.mu.Lock()
	defer w.a.mu.Unlock()
	b, ok := w.a.files[w.path]
	if !ok {
		b = new(bytes.Buffer)
		w.a.files[w.path] = b
	}
	return b.Write(p)
}

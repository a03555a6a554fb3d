package guestagent_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/vmhost/internal/guestagent"
	"github.com/tinyrange/vmhost/internal/guestagent/guesttest"
	"github.com/tinyrange/vmhost/internal/guestagent/wire"
	"github.com/tinyrange/vmhost/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type events struct {
	ch chan guestagent.Notification
}

func newEvents() *events {
	return &events{ch: make(chan guestagent.Notification, 4096)}
}

func (e *events) handle(n guestagent.Notification) { e.ch <- n }

func (e *events) next(t *testing.T) guestagent.Notification {
	t.Helper()
	select {
	case n := <-e.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
		return guestagent.Notification{}
	}
}

func (e *events) waitDied(t *testing.T, id guestagent.ProcessID) guestagent.ExitReason {
	t.Helper()
	for {
		n := e.next(t)
		if n.Kind == guestagent.ProcessDied && n.Process == id {
			return n.Reason
		}
	}
}

func startClient(t *testing.T, a *guesttest.Agent) (*guestagent.Client, *events) {
	t.Helper()
	ev := newEvents()
	c := guestagent.NewClient(guesttest.Start(t, a), ev.handle, guestagent.WithLogger(quietLogger()))
	t.Cleanup(func() { c.Close() })
	return c, ev
}

func hello(p *guesttest.Proc) guesttest.Exit {
	p.Stdout.Write([]byte("hello\n"))
	p.Stderr.Write([]byte("oops\n"))
	return guesttest.Code(0)
}

func sleeper(p *guesttest.Proc) guesttest.Exit {
	<-p.Killed()
	return guesttest.Code(0)
}

func TestClient_RunProcessCapturesOutput(t *testing.T) {
	t.Parallel()

	a := guesttest.New(map[string]guesttest.Program{"/bin/hello": hello})
	c, ev := startClient(t, a)
	ctx := context.Background()

	id, err := c.RunProcess(ctx, guestagent.ProcessSpec{
		Path: "/bin/hello",
		Redirects: [3]guestagent.RedirectSpec{
			guestagent.Stdout: guestagent.PipeBlocking(1024),
			guestagent.Stderr: guestagent.PipeCyclic(1024),
		},
	})
	if err != nil {
		t.Fatalf("RunProcess()=%v", err)
	}
	if reason := ev.waitDied(t, id); !reason.Success() {
		t.Fatalf("exit = %v, want success", reason)
	}

	out, err := c.QueryOutput(ctx, id, guestagent.Stdout, 0, 100)
	if err != nil || string(out) != "hello\n" {
		t.Fatalf("stdout = %q, %v", out, err)
	}
	errOut, err := c.QueryOutput(ctx, id, guestagent.Stderr, 0, 100)
	if err != nil || string(errOut) != "oops\n" {
		t.Fatalf("stderr = %q, %v", errOut, err)
	}

	req := a.Requests()[0]
	if req.Type != wire.MsgRunProcess || req.Run.Env != nil || len(req.Run.Args) != 1 || req.Run.Args[0] != "/bin/hello" {
		t.Fatalf("run request = %+v", req.Run)
	}
	if req.Run.Entrypoint {
		t.Fatal("RunProcess marked as entrypoint")
	}
}

func TestClient_RunEntrypointSetsFlag(t *testing.T) {
	t.Parallel()

	a := guesttest.New(map[string]guesttest.Program{"/init": hello})
	c, _ := startClient(t, a)

	if _, err := c.RunEntrypoint(context.Background(), guestagent.ProcessSpec{
		Path: "/init",
		Env:  []string{"PATH=/bin"},
		Dir:  "/work",
	}); err != nil {
		t.Fatalf("RunEntrypoint()=%v", err)
	}
	run := a.Requests()[0].Run
	if !run.Entrypoint || run.Dir != "/work" || len(run.Env) != 1 {
		t.Fatalf("run request = %+v", run)
	}
}

func TestClient_SpecValidation(t *testing.T) {
	t.Parallel()

	a := guesttest.New(nil)
	c, _ := startClient(t, a)
	ctx := context.Background()

	specs := []guestagent.ProcessSpec{
		{},
		{Path: "/x", Redirects: [3]guestagent.RedirectSpec{guestagent.Stdout: guestagent.PipeBlocking(0)}},
		{Path: "/x", Redirects: [3]guestagent.RedirectSpec{guestagent.Stdout: guestagent.ToFile("")}},
	}
	for i, spec := range specs {
		if _, err := c.RunProcess(ctx, spec); err == nil {
			t.Errorf("spec %d accepted", i)
		}
	}
	if n := len(a.Requests()); n != 0 {
		t.Fatalf("%d invalid requests reached the guest", n)
	}
}

func TestClient_GuestErrorIsScopedToCall(t *testing.T) {
	t.Parallel()

	a := guesttest.New(map[string]guesttest.Program{"/bin/sleep": sleeper}, guesttest.WithShare("data"))
	c, ev := startClient(t, a)
	ctx := context.Background()

	_, err := c.RunProcess(ctx, guestagent.ProcessSpec{Path: "/bin/missing"})
	var ge *guestagent.GuestError
	if !errors.As(err, &ge) || ge.Code != guestagent.CodeNoEntry {
		t.Fatalf("RunProcess(missing)=%v, want ENOENT", err)
	}

	if err := c.Mount(ctx, "nope", "/mnt"); !errors.As(err, &ge) {
		t.Fatalf("Mount(unknown tag)=%v, want GuestError", err)
	}
	if err := c.Mount(ctx, "data", "relative"); !errors.As(err, &ge) || ge.Code != guestagent.CodeInvalidArgument {
		t.Fatalf("Mount(relative)=%v, want EINVAL", err)
	}
	if err := c.Mount(ctx, "data", "/mnt/data"); err != nil {
		t.Fatalf("Mount()=%v", err)
	}
	if got := a.Mounts()["/mnt/data"]; got != "data" {
		t.Fatalf("mounts = %v", a.Mounts())
	}

	id, err := c.RunProcess(ctx, guestagent.ProcessSpec{Path: "/bin/sleep"})
	if err != nil {
		t.Fatalf("RunProcess()=%v", err)
	}
	if err := c.Kill(ctx, id); err != nil {
		t.Fatalf("Kill()=%v", err)
	}
	reason := ev.waitDied(t, id)
	if reason.Kind != guestagent.ExitKilled || reason.Status != 9 {
		t.Fatalf("exit = %v, want killed by 9", reason)
	}
	if err := c.Kill(ctx, id); !guestagent.IsNoSuchProcess(err) {
		t.Fatalf("second Kill()=%v, want no such process", err)
	}
	if c.Err() != nil {
		t.Fatalf("connection failed: %v", c.Err())
	}
}

func TestClient_NetworkConfiguration(t *testing.T) {
	t.Parallel()

	for _, zeroErr := range []bool{false, true} {
		var opts []guesttest.Option
		if zeroErr {
			opts = append(opts, guesttest.WithZeroErrNet())
		}
		a := guesttest.New(nil, opts...)
		c, _ := startClient(t, a)
		ctx := context.Background()

		if err := c.AddAddress(ctx, "10.0.2.15", "255.255.255.0", guestagent.InterfaceInet); err != nil {
			t.Fatalf("zeroErr=%v AddAddress()=%v", zeroErr, err)
		}
		if err := c.CreateNetwork(ctx, "10.0.2.0", "255.255.255.0", "10.0.2.2", guestagent.InterfaceInet); err != nil {
			t.Fatalf("zeroErr=%v CreateNetwork()=%v", zeroErr, err)
		}
		if err := c.AddHosts(ctx, []guestagent.HostEntry{{Addr: "10.0.2.2", Name: "host.internal"}}); err != nil {
			t.Fatalf("zeroErr=%v AddHosts()=%v", zeroErr, err)
		}

		nc := a.NetCtl()
		if len(nc) != 2 {
			t.Fatalf("net ctl requests = %d", len(nc))
		}
		if nc[0].Flags != wire.NetCtlAddAddress || nc[0].Addr != "10.0.2.15" || nc[0].Iface != uint16(guestagent.InterfaceInet) {
			t.Fatalf("add address = %+v", nc[0])
		}
		if nc[1].Flags != wire.NetCtlAddRoute || nc[1].Gateway != "10.0.2.2" {
			t.Fatalf("create network = %+v", nc[1])
		}
		if hosts := a.Hosts(); len(hosts) != 1 || hosts[0].Name != "host.internal" {
			t.Fatalf("hosts = %+v", hosts)
		}
	}
}

func TestClient_RejectsBadNetworkArguments(t *testing.T) {
	t.Parallel()

	a := guesttest.New(nil)
	c, _ := startClient(t, a)
	ctx := context.Background()

	if err := c.AddAddress(ctx, "10.0.2", "255.255.255.0", guestagent.InterfaceVPN); err == nil {
		t.Error("short address accepted")
	}
	if err := c.AddAddress(ctx, "::1", "255.255.255.0", guestagent.InterfaceVPN); err == nil {
		t.Error("IPv6 address accepted")
	}
	if err := c.CreateNetwork(ctx, "10.0.0.0", "255.0.0.0", "gateway", guestagent.InterfaceVPN); err == nil {
		t.Error("bad gateway accepted")
	}
	if err := c.AddHosts(ctx, []guestagent.HostEntry{{Addr: "10.0.0.1", Name: "bad..name"}}); err == nil {
		t.Error("bad host name accepted")
	}
	if n := len(a.Requests()); n != 0 {
		t.Fatalf("%d invalid requests reached the guest", n)
	}
}

func TestClient_AbandonedCallStillOrdersRequests(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	a := guesttest.New(nil, guesttest.WithShare("data"), guesttest.WithHook(func(req *wire.Request) (wire.Message, bool) {
		if req.Type != wire.MsgMountVolume {
			return wire.Message{}, false
		}
		<-release
		return wire.Message{ID: req.ID, Type: wire.RespOK}, true
	}))
	c, _ := startClient(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Mount(ctx, "data", "/mnt"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Mount()=%v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.AddHosts(context.Background(), []guestagent.HostEntry{{Addr: "10.0.0.1", Name: "a"}})
	}()

	time.Sleep(30 * time.Millisecond)
	if n := len(a.Requests()); n != 1 {
		t.Fatalf("%d requests sent before the abandoned response arrived", n)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AddHosts()=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second call never completed")
	}
	reqs := a.Requests()
	if len(reqs) != 2 || reqs[1].Type != wire.MsgNetHost || reqs[1].ID <= reqs[0].ID {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestClient_ProtocolErrorsAreFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp func(req *wire.Request) wire.Message
	}{
		{name: "mismatched id", resp: func(req *wire.Request) wire.Message {
			return wire.Message{ID: req.ID + 100, Type: wire.RespOK}
		}},
		{name: "unknown type", resp: func(req *wire.Request) wire.Message {
			return wire.Message{ID: req.ID, Type: 99}
		}},
		{name: "wrong response kind", resp: func(req *wire.Request) wire.Message {
			return wire.Message{ID: req.ID, Type: wire.RespOKBytes, Data: []byte("?")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := guesttest.New(nil, guesttest.WithShare("data"), guesttest.WithHook(func(req *wire.Request) (wire.Message, bool) {
				return tt.resp(req), true
			}))
			c, _ := startClient(t, a)

			err := c.Mount(context.Background(), "data", "/mnt")
			var pe *guestagent.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Mount()=%v, want ProtocolError", err)
			}
			select {
			case <-c.Done():
			case <-time.After(time.Second):
				t.Fatal("connection still open")
			}
			if err := c.Kill(context.Background(), 1); !errors.As(err, &pe) {
				t.Fatalf("later call = %v, want ProtocolError", err)
			}
		})
	}
}

func TestClient_TransportFailureFailsPendingCall(t *testing.T) {
	t.Parallel()

	host, guest := net.Pipe()
	c := guestagent.NewClient(host, nil, guestagent.WithLogger(quietLogger()))
	defer c.Close()

	go func() {
		wire.ReadRequest(wire.NewDecoder(guest))
		guest.Close()
	}()

	err := c.Kill(context.Background(), 7)
	var te *guestagent.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Kill()=%v, want TransportError", err)
	}
	if err := c.Kill(context.Background(), 7); !errors.As(err, &te) {
		t.Fatalf("later call = %v, want TransportError", err)
	}
}

func TestClient_QuitClosesConnection(t *testing.T) {
	t.Parallel()

	a := guesttest.New(nil)
	c, _ := startClient(t, a)

	if err := c.Quit(context.Background()); err != nil {
		t.Fatalf("Quit()=%v", err)
	}
	if !a.Quit() {
		t.Fatal("agent did not see quit")
	}
	if err := c.Kill(context.Background(), 1); !errors.Is(err, guestagent.ErrClosed) {
		t.Fatalf("Kill() after quit = %v, want ErrClosed", err)
	}
	if !errors.Is(c.Err(), guestagent.ErrClosed) {
		t.Fatalf("Err()=%v", c.Err())
	}
}

func TestClient_FailedQuitLeavesTransportErrors(t *testing.T) {
	t.Parallel()

	host, guest := net.Pipe()
	c := guestagent.NewClient(host, nil, guestagent.WithLogger(quietLogger()))
	defer c.Close()

	received := make(chan struct{})
	go func() {
		wire.ReadRequest(wire.NewDecoder(guest))
		close(received)
	}()

	killed := make(chan error, 1)
	go func() { killed <- c.Kill(context.Background(), 7) }()
	<-received

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Quit(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Quit()=%v, want %v", err, context.DeadlineExceeded)
	}
	guest.Close()

	err := <-killed
	var te *guestagent.TransportError
	if !errors.As(err, &te) || errors.Is(err, guestagent.ErrClosed) {
		t.Fatalf("Kill()=%v, want TransportError", err)
	}
	if !errors.As(c.Err(), &te) {
		t.Fatalf("Err()=%v, want TransportError", c.Err())
	}
}

func writes(s string) guesttest.Program {
	return func(p *guesttest.Proc) guesttest.Exit {
		io.WriteString(p.Stdout, s)
		return guesttest.Code(0)
	}
}

func TestClient_CyclicPipeQueries(t *testing.T) {
	t.Parallel()

	a := guesttest.New(map[string]guesttest.Program{"/bin/abc": writes("abcdefgh")})
	c, ev := startClient(t, a)
	ctx := context.Background()

	id, err := c.RunProcess(ctx, guestagent.ProcessSpec{
		Path: "/bin/abc",
		Redirects: [3]guestagent.RedirectSpec{
			guestagent.Stdout: guestagent.PipeCyclic(4),
		},
	})
	if err != nil {
		t.Fatalf("RunProcess()=%v", err)
	}
	ev.waitDied(t, id)

	tests := []struct {
		name           string
		offset, length uint64
		want           string
	}{
		{"discarded window", 0, 4, ""},
		{"overlaps discard point", 2, 4, "ef"},
		{"resident", 4, 4, "efgh"},
		{"past end", 6, 10, "gh"},
		{"at end", 8, 4, ""},
	}
	for _, tc := range tests {
		got, err := c.QueryOutput(ctx, id, guestagent.Stdout, tc.offset, tc.length)
		if err != nil {
			t.Fatalf("%s: QueryOutput()=%v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Errorf("%s: QueryOutput(%d, %d)=%q, want %q", tc.name, tc.offset, tc.length, got, tc.want)
		}
	}

	for i := 0; i < 2; i++ {
		tail, err := c.Tail(ctx, id, guestagent.Stdout)
		if err != nil || string(tail) != "efgh" {
			t.Fatalf("Tail() #%d = %q, %v, want %q", i, tail, err, "efgh")
		}
	}
}

func TestClient_TailDoesNotAcknowledgeBlockingPipe(t *testing.T) {
	t.Parallel()

	a := guesttest.New(map[string]guesttest.Program{"/bin/abc": writes("abcdefgh")})
	c, ev := startClient(t, a)
	ctx := context.Background()

	id, err := c.RunProcess(ctx, guestagent.ProcessSpec{
		Path: "/bin/abc",
		Redirects: [3]guestagent.RedirectSpec{
			guestagent.Stdout: guestagent.PipeBlocking(16),
		},
	})
	if err != nil {
		t.Fatalf("RunProcess()=%v", err)
	}
	ev.waitDied(t, id)

	if tail, err := c.Tail(ctx, id, guestagent.Stdout); err != nil || string(tail) != "abcdefgh" {
		t.Fatalf("Tail()=%q, %v", tail, err)
	}
	var out bytes.Buffer
	if _, err := c.OutputReader(ctx, id, guestagent.Stdout).Drain(&out); err != nil {
		t.Fatalf("Drain()=%v", err)
	}
	if out.String() != "abcdefgh" {
		t.Fatalf("drained %q after Tail", out.String())
	}
}

func TestConnect_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "absent.sock")
	_, err := guestagent.Connect(context.Background(), "unix:"+path, 2, nil,
		guestagent.WithLogger(quietLogger()),
		guestagent.WithBackoff(time.Millisecond),
	)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) || ce.Attempts != 3 {
		t.Fatalf("Connect()=%v, want ConnectError after 3 attempts", err)
	}
}

func TestOutputReader_BlockingPipeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 40)
	a := guesttest.New(map[string]guesttest.Program{
		"/bin/produce": func(p *guesttest.Proc) guesttest.Exit {
			if _, err := p.Stdout.Write(payload); err != nil {
				return guesttest.Code(1)
			}
			return guesttest.Code(0)
		},
	})
	c, ev := startClient(t, a)
	ctx := context.Background()

	const capacity = 32
	id, err := c.RunProcess(ctx, guestagent.ProcessSpec{
		Path:      "/bin/produce",
		Redirects: [3]guestagent.RedirectSpec{guestagent.Stdout: guestagent.PipeBlocking(capacity)},
	})
	if err != nil {
		t.Fatalf("RunProcess()=%v", err)
	}

	r := c.OutputReader(ctx, id, guestagent.Stdout)
	var out bytes.Buffer
	for dead := false; !dead; {
		n := ev.next(t)
		if n.Process != id {
			continue
		}
		dead = n.Kind == guestagent.ProcessDied
		if dead && !n.Reason.Success() {
			t.Fatalf("producer exit = %v", n.Reason)
		}
		if _, err := r.Drain(&out); err != nil {
			t.Fatalf("Drain()=%v", err)
		}
		if buf := a.Buffer(uint64(id), guestagent.Stdout); buf != nil && buf.Buffered() > capacity {
			t.Fatalf("guest buffered %d > %d", buf.Buffered(), capacity)
		}
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("read %d bytes, want %d identical bytes", out.Len(), len(payload))
	}
	if r.Offset() != uint64(len(payload)) {
		t.Fatalf("offset = %d", r.Offset())
	}
}

func TestGuestError_Message(t *testing.T) {
	t.Parallel()

	err := &guestagent.GuestError{Op: "kill", Code: guestagent.CodeNoSuchProcess}
	if got := err.Error(); got != "guest kill: ESRCH (3)" {
		t.Fatalf("Error()=%q", got)
	}
	if !guestagent.IsNoSuchProcess(err) {
		t.Fatal("IsNoSuchProcess = false")
	}
	if got := (&guestagent.GuestError{Op: "x", Code: 1234}).Error(); got != "guest x: error code 1234" {
		t.Fatalf("Error()=%q", got)
	}
}

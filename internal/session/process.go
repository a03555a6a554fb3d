package session

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/tinyrange/vmhost/internal/dispatch"
	"github.com/tinyrange/vmhost/internal/guestagent"
)

// Process is a spawned guest process.
type Process struct {
	s         *Session
	id        guestagent.ProcessID
	h         *dispatch.Process
	redirects [3]guestagent.RedirectSpec
}

// ID returns the guest process id.
func (p *Process) ID() guestagent.ProcessID { return p.id }

// WaitOutput blocks until the guest reports new output. It returns
// dispatch.ErrExited once the process is dead and every wake has been
// consumed.
func (p *Process) WaitOutput(ctx context.Context) error {
	return p.h.WaitOutput(ctx)
}

// WaitExit blocks until the process dies. Once it returns the reason the
// process stops being tracked; output can still be read.
func (p *Process) WaitExit(ctx context.Context) (guestagent.ExitReason, error) {
	reason, err := p.h.WaitDied(ctx)
	if err == nil {
		p.h.Forget()
	}
	return reason, err
}

// Kill asks the guest to terminate the process. Use WaitExit to observe
// its death.
func (p *Process) Kill(ctx context.Context) error {
	return p.s.client.Kill(ctx, p.id)
}

func (p *Process) piped(fd int) bool {
	k := p.redirects[fd].Kind
	return k == guestagent.RedirectPipeBlocking || k == guestagent.RedirectPipeCyclic
}

func (p *Process) cyclic(fd int) bool {
	return p.redirects[fd].Kind == guestagent.RedirectPipeCyclic
}

// Output returns a reader over fd that blocks for more output and reports
// io.EOF once the process has died and everything was read. All output
// wakes of the process are consumed by the reader, so use Stream when more
// than one descriptor is piped.
//
// A cyclic pipe keeps only its newest bytes, so the reader waits for the
// process to die and then yields whatever the pipe still holds.
func (p *Process) Output(ctx context.Context, fd int) io.Reader {
	o := &outputStream{ctx: ctx, p: p, fd: fd}
	if !p.cyclic(fd) {
		o.r = p.s.client.OutputReader(ctx, p.id, fd)
	}
	return o
}

type outputStream struct {
	ctx context.Context
	p   *Process
	fd  int
	r   *guestagent.OutputReader
	eof bool

	tail *bytes.Reader
}

func (o *outputStream) Read(b []byte) (int, error) {
	if o.eof {
		return 0, io.EOF
	}
	if o.r == nil {
		return o.readTail(b)
	}
	for {
		n, err := o.r.Read(b)
		if n > 0 || !errors.Is(err, guestagent.ErrNoOutput) {
			return n, err
		}
		err = o.p.h.WaitOutput(o.ctx)
		switch {
		case errors.Is(err, dispatch.ErrExited):
			n, err := o.r.Read(b)
			if errors.Is(err, guestagent.ErrNoOutput) {
				o.finish()
				return 0, io.EOF
			}
			return n, err
		case err != nil:
			return 0, err
		}
	}
}

func (o *outputStream) readTail(b []byte) (int, error) {
	if o.tail == nil {
		if err := o.p.waitExited(o.ctx); err != nil {
			return 0, err
		}
		data, err := o.p.s.client.Tail(o.ctx, o.p.id, o.fd)
		if err != nil {
			return 0, err
		}
		o.tail = bytes.NewReader(data)
	}
	n, err := o.tail.Read(b)
	if err == io.EOF {
		o.finish()
	}
	return n, err
}

func (o *outputStream) finish() {
	o.eof = true
	o.p.h.Forget()
}

// waitExited consumes output wakes until the process is dead.
func (p *Process) waitExited(ctx context.Context) error {
	for {
		err := p.h.WaitOutput(ctx)
		if errors.Is(err, dispatch.ErrExited) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Stream copies stdout and stderr to the given writers until the process
// dies. Blocking pipes are copied as the guest reports output; a cyclic
// pipe is copied once, after death, as the bytes it still holds. A nil
// writer or an unpiped descriptor is skipped.
func (p *Process) Stream(ctx context.Context, stdout, stderr io.Writer) (guestagent.ExitReason, error) {
	type sink struct {
		r *guestagent.OutputReader
		w io.Writer
	}
	var sinks []sink
	tails := map[int]io.Writer{}
	for _, fd := range []int{guestagent.Stdout, guestagent.Stderr} {
		w := stdout
		if fd == guestagent.Stderr {
			w = stderr
		}
		switch {
		case w == nil || !p.piped(fd):
		case p.cyclic(fd):
			tails[fd] = w
		default:
			sinks = append(sinks, sink{r: p.s.client.OutputReader(ctx, p.id, fd), w: w})
		}
	}
	drain := func() error {
		for _, s := range sinks {
			if _, err := s.r.Drain(s.w); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := drain(); err != nil {
			return guestagent.ExitReason{}, err
		}
		err := p.h.WaitOutput(ctx)
		if errors.Is(err, dispatch.ErrExited) {
			break
		}
		if err != nil {
			return guestagent.ExitReason{}, err
		}
	}
	if err := drain(); err != nil {
		return guestagent.ExitReason{}, err
	}
	for _, fd := range []int{guestagent.Stdout, guestagent.Stderr} {
		w, ok := tails[fd]
		if !ok {
			continue
		}
		data, err := p.s.client.Tail(ctx, p.id, fd)
		if err != nil {
			return guestagent.ExitReason{}, err
		}
		if _, err := w.Write(data); err != nil {
			return guestagent.ExitReason{}, err
		}
	}
	return p.WaitExit(ctx)
}

// Package dispatch fans guest notifications out to per-process waiters.
//
// Each process has two signals. The output signal is a one-slot wake:
// level-triggered and coalesced, so any number of OutputAvailable events
// between two waits release a single waiter once. The died signal is
// latched and carries the exit reason.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/vmhost/internal/guestagent"
)

var (
	// ErrClosed is returned to every waiter once the registry is torn down.
	ErrClosed = errors.New("dispatch: registry closed")
	// ErrExited is returned by WaitOutput when the process has died and no
	// output wake is pending. Callers should drain output one last time.
	ErrExited = errors.New("dispatch: process exited")
)

type entry struct {
	output chan struct{}
	died   chan struct{}

	// guarded by Registry.mu
	reason   guestagent.ExitReason
	dead     bool
	observed bool
}

func newEntry() *entry {
	return &entry{
		output: make(chan struct{}, 1),
		died:   make(chan struct{}),
	}
}

// maxGone bounds how many removed ids are remembered.
const maxGone = 1024

// Registry maps process ids to their signals.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	procs  map[guestagent.ProcessID]*entry
	closed bool
	done   chan struct{}

	// Recently removed ids. Output wakes for them are dropped instead of
	// recreating an entry nobody will claim.
	gone      map[guestagent.ProcessID]struct{}
	goneOrder []guestagent.ProcessID
}

// New returns an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		procs: make(map[guestagent.ProcessID]*entry),
		done:  make(chan struct{}),
		gone:  make(map[guestagent.ProcessID]struct{}),
	}
}

// lookup returns the entry for id, creating it if needed. Must hold r.mu.
func (r *Registry) lookup(id guestagent.ProcessID) *entry {
	e, ok := r.procs[id]
	if !ok {
		e = newEntry()
		r.procs[id] = e
	}
	return e
}

// Register returns the handle for id. Events that arrived before the call
// are kept and observed by the new handle.
func (r *Registry) Register(id guestagent.ProcessID) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &Process{r: r, id: id, e: newEntry()}
	}
	if _, ok := r.gone[id]; ok {
		delete(r.gone, id)
		r.goneOrder = slices.DeleteFunc(r.goneOrder, func(g guestagent.ProcessID) bool { return g == id })
	}
	return &Process{r: r, id: id, e: r.lookup(id)}
}

// remove drops id and remembers it as gone. Must hold r.mu.
func (r *Registry) remove(id guestagent.ProcessID) {
	delete(r.procs, id)
	if _, ok := r.gone[id]; ok {
		return
	}
	if len(r.goneOrder) == maxGone {
		delete(r.gone, r.goneOrder[0])
		r.goneOrder = r.goneOrder[1:]
	}
	r.gone[id] = struct{}{}
	r.goneOrder = append(r.goneOrder, id)
}

// Handle records one notification. It never blocks and is safe to use as a
// guestagent.Handler.
func (r *Registry) Handle(n guestagent.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch n.Kind {
	case guestagent.OutputAvailable:
		if _, ok := r.gone[n.Process]; ok {
			r.log.Debug("dispatch: output after removal", "process", n.Process)
			return
		}
		e := r.lookup(n.Process)
		select {
		case e.output <- struct{}{}:
		default:
		}
	case guestagent.ProcessDied:
		e := r.lookup(n.Process)
		if e.dead {
			r.log.Debug("dispatch: duplicate death", "process", n.Process)
			return
		}
		e.dead = true
		e.reason = n.Reason
		close(e.died)
	default:
		r.log.Debug("dispatch: ignoring notification", "kind", n.Kind, "process", n.Process)
	}
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Done is closed by Close.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Close drops every entry and releases all waiters with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.procs = make(map[guestagent.ProcessID]*entry)
	r.gone = make(map[guestagent.ProcessID]struct{})
	r.goneOrder = nil
	close(r.done)
}

// sweep removes e once its death has been observed and no output wake is
// left to consume.
func (r *Registry) sweep(id guestagent.ProcessID, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !e.observed || len(e.output) > 0 {
		return
	}
	if r.procs[id] == e {
		r.remove(id)
	}
}

// Process is a handle on one process's signals.
type Process struct {
	r  *Registry
	id guestagent.ProcessID
	e  *entry
}

// ID returns the process id.
func (p *Process) ID() guestagent.ProcessID { return p.id }

// Output is the one-slot output wake channel.
func (p *Process) Output() <-chan struct{} { return p.e.output }

// Died is closed when the process has died.
func (p *Process) Died() <-chan struct{} { return p.e.died }

// Reason returns the exit reason once the process has died.
func (p *Process) Reason() (guestagent.ExitReason, bool) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.e.reason, p.e.dead
}

// WaitOutput blocks until output is available. A pending wake is preferred
// over death so the final output is not missed.
func (p *Process) WaitOutput(ctx context.Context) error {
	select {
	case <-p.e.output:
		p.r.sweep(p.id, p.e)
		return nil
	default:
	}
	select {
	case <-p.e.output:
		p.r.sweep(p.id, p.e)
		return nil
	case <-p.e.died:
		select {
		case <-p.e.output:
			p.r.sweep(p.id, p.e)
			return nil
		default:
		}
		return ErrExited
	case <-p.r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitDied blocks until the process dies and returns why.
func (p *Process) WaitDied(ctx context.Context) (guestagent.ExitReason, error) {
	select {
	case <-p.e.died:
	default:
		select {
		case <-p.e.died:
		case <-p.r.done:
			return guestagent.ExitReason{}, ErrClosed
		case <-ctx.Done():
			return guestagent.ExitReason{}, ctx.Err()
		}
	}
	p.r.mu.Lock()
	p.e.observed = true
	reason := p.e.reason
	p.r.mu.Unlock()
	p.r.sweep(p.id, p.e)
	return reason, nil
}

// Forget stops tracking the process regardless of state. Output wakes that
// arrive afterwards are dropped; the handle itself keeps working.
func (p *Process) Forget() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.r.closed {
		return
	}
	if e, ok := p.r.procs[p.id]; ok && e != p.e {
		// The id was reused by a later process.
		return
	}
	p.r.remove(p.id)
}

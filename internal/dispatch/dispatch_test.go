package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vmhost/internal/guestagent"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func output(id guestagent.ProcessID) guestagent.Notification {
	return guestagent.Notification{Kind: guestagent.OutputAvailable, Process: id, FD: guestagent.Stdout}
}

func died(id guestagent.ProcessID, status uint8) guestagent.Notification {
	return guestagent.Notification{Kind: guestagent.ProcessDied, Process: id, Reason: guestagent.ExitReason{Status: status}}
}

func shortCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestOutputWakeIsCoalesced(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(1)
	for i := 0; i < 5; i++ {
		r.Handle(output(1))
	}
	if err := p.WaitOutput(context.Background()); err != nil {
		t.Fatalf("WaitOutput()=%v", err)
	}
	if err := p.WaitOutput(shortCtx(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second WaitOutput()=%v, want deadline exceeded", err)
	}
}

func TestNotificationIsolation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := r.Register(1)
	b := r.Register(2)

	r.Handle(output(1))
	r.Handle(died(1, 3))

	if err := b.WaitOutput(shortCtx(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("b.WaitOutput()=%v, want deadline exceeded", err)
	}
	if _, err := b.WaitDied(shortCtx(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("b.WaitDied()=%v, want deadline exceeded", err)
	}

	if err := a.WaitOutput(context.Background()); err != nil {
		t.Fatalf("a.WaitOutput()=%v", err)
	}
	reason, err := a.WaitDied(context.Background())
	if err != nil || reason.Status != 3 {
		t.Fatalf("a.WaitDied()=%v, %v", reason, err)
	}
}

func TestWaitOutputPrefersPendingWakeOverDeath(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(9)
	r.Handle(output(9))
	r.Handle(died(9, 0))

	if err := p.WaitOutput(context.Background()); err != nil {
		t.Fatalf("WaitOutput()=%v, want pending wake", err)
	}
	if err := p.WaitOutput(context.Background()); !errors.Is(err, ErrExited) {
		t.Fatalf("WaitOutput()=%v, want ErrExited", err)
	}
}

func TestEventsBeforeRegisterAreKept(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Handle(output(4))
	r.Handle(died(4, 1))

	p := r.Register(4)
	select {
	case <-p.Output():
	default:
		t.Fatal("early output wake lost")
	}
	reason, err := p.WaitDied(context.Background())
	if err != nil || reason.Status != 1 {
		t.Fatalf("WaitDied()=%v, %v", reason, err)
	}
}

func TestDeathIsLatched(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(5)
	r.Handle(died(5, 7))
	r.Handle(died(5, 8))

	for i := 0; i < 2; i++ {
		reason, err := p.WaitDied(context.Background())
		if err != nil || reason.Status != 7 {
			t.Fatalf("WaitDied() #%d = %v, %v", i, reason, err)
		}
	}
	if got, ok := p.Reason(); !ok || got.Status != 7 {
		t.Fatalf("Reason()=%v, %v", got, ok)
	}
}

func TestEntryRemovedAfterObservedDeath(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(6)
	r.Handle(output(6))
	r.Handle(died(6, 0))

	if _, err := p.WaitDied(context.Background()); err != nil {
		t.Fatalf("WaitDied()=%v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("entry removed with a wake pending")
	}
	if err := p.WaitOutput(context.Background()); err != nil {
		t.Fatalf("WaitOutput()=%v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len()=%d after death observed and output drained", r.Len())
	}

	q := r.Register(7)
	q.Forget()
	if r.Len() != 0 {
		t.Fatal("Forget left the entry behind")
	}
}

func TestLateOutputAfterRemovalIsDropped(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(8)
	r.Handle(died(8, 0))
	if _, err := p.WaitDied(context.Background()); err != nil {
		t.Fatalf("WaitDied()=%v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len()=%d after observed death", r.Len())
	}

	r.Handle(output(8))
	if r.Len() != 0 {
		t.Fatalf("Len()=%d, late output recreated the entry", r.Len())
	}

	q := r.Register(9)
	q.Forget()
	r.Handle(output(9))
	if r.Len() != 0 {
		t.Fatalf("Len()=%d, output after Forget recreated the entry", r.Len())
	}

	// A reused id is tracked again once registered.
	again := r.Register(8)
	r.Handle(output(8))
	if err := again.WaitOutput(shortCtx(t)); err != nil {
		t.Fatalf("WaitOutput() on reused id=%v", err)
	}
	p.Forget()
	if r.Len() != 1 {
		t.Fatalf("Len()=%d, stale Forget dropped the reused id", r.Len())
	}
}

func TestRemovedIDsAreBounded(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	for id := guestagent.ProcessID(1); id <= maxGone+10; id++ {
		r.Register(id).Forget()
	}
	r.mu.Lock()
	n, order := len(r.gone), len(r.goneOrder)
	r.mu.Unlock()
	if n != maxGone || order != maxGone {
		t.Fatalf("remembered %d ids (%d ordered), want %d", n, order, maxGone)
	}

	// The oldest ids were forgotten, so their output is tracked again.
	r.Handle(output(1))
	if r.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", r.Len())
	}

	// Reusing a remembered id and removing it again keeps one record of it.
	last := guestagent.ProcessID(maxGone + 10)
	r.Register(last).Forget()
	r.mu.Lock()
	n, order = len(r.gone), len(r.goneOrder)
	r.mu.Unlock()
	if n != maxGone || order != maxGone {
		t.Fatalf("after reuse remembered %d ids (%d ordered), want %d", n, order, maxGone)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	p := r.Register(1)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- p.WaitOutput(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, err := p.WaitDied(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("waiter released with %v, want ErrClosed", err)
		}
	}

	r.Handle(output(1))
	if r.Len() != 0 {
		t.Fatal("closed registry accepted an event")
	}
	if _, err := r.Register(2).WaitDied(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("WaitDied() after close = %v", err)
	}
}

func TestHandleNeverBlocks(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			r.Handle(output(guestagent.ProcessID(i % 10)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle blocked with no waiters")
	}
}

package guestagent

import (
	"fmt"

	"github.com/tinyrange/vmhost/internal/guestagent/wire"
)

// ProcessID is the guest-minted id of a spawned process. The guest does not
// reuse an id while the process is alive.
type ProcessID uint64

// Standard descriptors addressed by redirects and output queries.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// RedirectKind selects how one descriptor of a spawned process is wired.
type RedirectKind uint8

const (
	// RedirectNone leaves the descriptor to the guest default.
	RedirectNone RedirectKind = iota
	// RedirectPipeBlocking captures into a buffer that stalls the producer
	// when full and never discards.
	RedirectPipeBlocking
	// RedirectPipeCyclic captures into a ring that keeps only the most recent
	// Capacity bytes.
	RedirectPipeCyclic
	// RedirectFile connects the descriptor to a guest file.
	RedirectFile
)

func (k RedirectKind) String() string {
	switch k {
	case RedirectNone:
		return "none"
	case RedirectPipeBlocking:
		return "pipe-blocking"
	case RedirectPipeCyclic:
		return "pipe-cyclic"
	case RedirectFile:
		return "file"
	}
	return fmt.Sprintf("redirect(%d)", uint8(k))
}

// RedirectSpec is the capture policy for one descriptor. It is a value and is
// fixed once the process has been spawned.
type RedirectSpec struct {
	Kind     RedirectKind
	Capacity uint64
	Path     string
}

// PipeBlocking returns a blocking pipe redirect of the given capacity.
func PipeBlocking(capacity uint64) RedirectSpec {
	return RedirectSpec{Kind: RedirectPipeBlocking, Capacity: capacity}
}

// PipeCyclic returns a cyclic pipe redirect of the given capacity.
func PipeCyclic(capacity uint64) RedirectSpec {
	return RedirectSpec{Kind: RedirectPipeCyclic, Capacity: capacity}
}

// ToFile returns a redirect into the guest file at path.
func ToFile(path string) RedirectSpec {
	return RedirectSpec{Kind: RedirectFile, Path: path}
}

func (r RedirectSpec) validate(fd int) error {
	switch r.Kind {
	case RedirectNone:
	case RedirectPipeBlocking, RedirectPipeCyclic:
		if r.Capacity == 0 {
			return fmt.Errorf("fd %d: %s redirect needs a capacity", fd, r.Kind)
		}
	case RedirectFile:
		if r.Path == "" {
			return fmt.Errorf("fd %d: file redirect needs a path", fd)
		}
	default:
		return fmt.Errorf("fd %d: unknown redirect kind %d", fd, r.Kind)
	}
	return nil
}

func (r RedirectSpec) toWire(fd int) (wire.Redirect, bool) {
	rd := wire.Redirect{FD: uint32(fd), Capacity: r.Capacity, Path: r.Path}
	switch r.Kind {
	case RedirectPipeBlocking:
		rd.Kind = wire.RedirectPipeBlocking
	case RedirectPipeCyclic:
		rd.Kind = wire.RedirectPipeCyclic
	case RedirectFile:
		rd.Kind = wire.RedirectFile
	default:
		return rd, false
	}
	return rd, true
}

// ProcessSpec describes a process to spawn in the guest.
type ProcessSpec struct {
	Path string
	Args []string
	// Env replaces the guest environment when non-nil.
	Env []string
	UID uint32
	GID uint32
	// Redirects holds stdin, stdout and stderr in that order.
	Redirects [3]RedirectSpec
	// Dir is the working directory; empty leaves the guest default.
	Dir string
}

func (s *ProcessSpec) toWire(entrypoint bool) (*wire.RunProcess, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("process spec: empty path")
	}
	run := &wire.RunProcess{
		Bin:        s.Path,
		Args:       s.Args,
		Env:        s.Env,
		UID:        s.UID,
		GID:        s.GID,
		Dir:        s.Dir,
		Entrypoint: entrypoint,
	}
	if run.Args == nil {
		run.Args = []string{s.Path}
	}
	for fd, r := range s.Redirects {
		if err := r.validate(fd); err != nil {
			return nil, fmt.Errorf("process spec: %w", err)
		}
		if rd, ok := r.toWire(fd); ok {
			run.Redirects = append(run.Redirects, rd)
		}
	}
	return run, nil
}

// ExitKind classifies how a process ended.
type ExitKind uint8

const (
	ExitExited ExitKind = 0
	ExitKilled ExitKind = 1
	ExitDumped ExitKind = 2
)

// ExitReason is the opaque guest-reported cause of death.
type ExitReason struct {
	Status uint8
	Kind   ExitKind
}

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitExited:
		return fmt.Sprintf("exited with status %d", r.Status)
	case ExitKilled:
		return fmt.Sprintf("killed by signal %d", r.Status)
	case ExitDumped:
		return fmt.Sprintf("killed by signal %d (core dumped)", r.Status)
	}
	return fmt.Sprintf("status %d kind %d", r.Status, r.Kind)
}

// Success reports a clean zero exit.
func (r ExitReason) Success() bool {
	return r.Kind == ExitExited && r.Status == 0
}

// NotificationKind tags a Notification.
type NotificationKind uint8

const (
	OutputAvailable NotificationKind = iota + 1
	ProcessDied
)

func (k NotificationKind) String() string {
	switch k {
	case OutputAvailable:
		return "output-available"
	case ProcessDied:
		return "process-died"
	}
	return fmt.Sprintf("notification(%d)", uint8(k))
}

// Notification is an unsolicited guest event. FD is set for
// OutputAvailable, Reason for ProcessDied.
type Notification struct {
	Kind    NotificationKind
	Process ProcessID
	FD      int
	Reason  ExitReason
}

// Handler receives every notification in control channel order. It runs on
// the connection's reader goroutine and must not block.
type Handler func(Notification)

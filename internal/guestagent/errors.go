package guestagent

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by calls made after Quit or Close.
var ErrClosed = errors.New("guestagent: connection closed")

// Guest status codes. The guest reports Linux errno values.
const (
	CodeNoEntry         uint32 = 2  // ENOENT
	CodeNoSuchProcess   uint32 = 3  // ESRCH
	CodeIO              uint32 = 5  // EIO
	CodeBadFD           uint32 = 9  // EBADF
	CodeNoMemory        uint32 = 12 // ENOMEM
	CodeExists          uint32 = 17 // EEXIST
	CodeNotDir          uint32 = 20 // ENOTDIR
	CodeInvalidArgument uint32 = 22 // EINVAL
	CodeNotSupported    uint32 = 95 // EOPNOTSUPP
)

var codeNames = map[uint32]string{
	CodeNoEntry:         "ENOENT",
	CodeNoSuchProcess:   "ESRCH",
	CodeIO:              "EIO",
	CodeBadFD:           "EBADF",
	CodeNoMemory:        "ENOMEM",
	CodeExists:          "EEXIST",
	CodeNotDir:          "ENOTDIR",
	CodeInvalidArgument: "EINVAL",
	CodeNotSupported:    "EOPNOTSUPP",
}

// GuestError is an error status reported by the guest for a single call. It
// never affects the connection.
type GuestError struct {
	Op   string
	Code uint32
}

func (e *GuestError) Error() string {
	if name, ok := codeNames[e.Code]; ok {
		return fmt.Sprintf("guest %s: %s (%d)", e.Op, name, e.Code)
	}
	return fmt.Sprintf("guest %s: error code %d", e.Op, e.Code)
}

// IsNoSuchProcess reports whether err is the guest's "no such process".
func IsNoSuchProcess(err error) bool {
	var ge *GuestError
	return errors.As(err, &ge) && ge.Code == CodeNoSuchProcess
}

// TransportError means the control connection failed. It is terminal: every
// pending and future call on the connection returns it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("guestagent: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the guest sent bytes that could not be demultiplexed.
// Like TransportError it is terminal for the connection.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("guestagent: protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

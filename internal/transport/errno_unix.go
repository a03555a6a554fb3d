//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// guestNotReady reports whether err means the VM monitor has not yet created
// or started listening on its socket.
func guestNotReady(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EAGAIN)
}

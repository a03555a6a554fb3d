//go:build !unix

package transport

func guestNotReady(err error) bool {
	return false
}

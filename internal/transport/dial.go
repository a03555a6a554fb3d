// Package transport establishes the duplex byte streams that connect the host
// to a guest: the control channel used by the guest agent client and the
// network channel drained by the relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// Defaults used when DialConfig leaves a field zero.
const (
	DefaultRetries = 10
	DefaultBackoff = 200 * time.Millisecond
)

// DialConfig controls Dial.
type DialConfig struct {
	// Retries is the number of attempts made after the first one fails.
	Retries int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	Logger  *slog.Logger
}

// ConnectError is returned once every dial attempt failed.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrBadEndpoint is returned for endpoints that can never be dialed.
var ErrBadEndpoint = errors.New("transport: bad endpoint")

// ParseEndpoint splits an endpoint into a net.Dial network and address.
//
// Accepted forms are "unix:/path", "tcp:host:port", an absolute or ./ relative
// path (unix) and "host:port" (tcp).
func ParseEndpoint(endpoint string) (network, address string, err error) {
	switch {
	case endpoint == "":
		return "", "", fmt.Errorf("%w: empty", ErrBadEndpoint)
	case strings.HasPrefix(endpoint, "unix:"):
		network, address = "unix", strings.TrimPrefix(endpoint, "unix:")
	case strings.HasPrefix(endpoint, "tcp:"):
		network, address = "tcp", strings.TrimPrefix(endpoint, "tcp:")
	case filepath.IsAbs(endpoint) || strings.HasPrefix(endpoint, "./"):
		network, address = "unix", endpoint
	default:
		network, address = "tcp", endpoint
	}
	if address == "" {
		return "", "", fmt.Errorf("%w: %q has no address", ErrBadEndpoint, endpoint)
	}
	if network == "tcp" {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", "", fmt.Errorf("%w: %q: %v", ErrBadEndpoint, endpoint, err)
		}
	}
	return network, address, nil
}

// Dial connects to endpoint, retrying with a fixed backoff. The guest side
// usually appears some time after the VM monitor starts, so refused and
// missing-socket errors are expected during the first attempts.
func Dial(ctx context.Context, endpoint string, cfg DialConfig) (net.Conn, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var dialer net.Dialer
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &ConnectError{Endpoint: endpoint, Attempts: attempts, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		attempts++
		conn, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			log.Debug("transport: connected", "endpoint", endpoint, "attempts", attempts)
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Debug("transport: dial failed",
			"endpoint", endpoint,
			"attempt", attempts,
			"not_ready", guestNotReady(err),
			"err", err,
		)
	}
	return nil, &ConnectError{Endpoint: endpoint, Attempts: attempts, Err: lastErr}
}

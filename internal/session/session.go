// Package session wires a guest connection together: the control client,
// the notification registry and the network relay.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyrange/vmhost/internal/dispatch"
	"github.com/tinyrange/vmhost/internal/guestagent"
	"github.com/tinyrange/vmhost/internal/pcap"
	"github.com/tinyrange/vmhost/internal/relay"
	"github.com/tinyrange/vmhost/internal/transport"
)

// DefaultQuitTimeout bounds how long Close waits for the guest to
// acknowledge Quit.
const DefaultQuitTimeout = 5 * time.Second

// Config says where the guest's endpoints are.
type Config struct {
	// Control is the control channel endpoint. Ignored when Mux is set.
	Control string
	// Network is the raw frame endpoint. Empty disables the relay.
	Network string
	// Mux is a single endpoint carrying both channels.
	Mux string

	Retries int
	Backoff time.Duration

	// HardwareAddr is claimed in ARP replies; nil keeps the relay default.
	HardwareAddr net.HardwareAddr
	// Capture receives a pcap stream of relay traffic when set.
	Capture io.Writer

	QuitTimeout time.Duration
	Logger      *slog.Logger
}

// Session is one live guest.
type Session struct {
	ID  uuid.UUID
	log *slog.Logger

	client   *guestagent.Client
	registry *dispatch.Registry
	mux      *transport.Mux
	netConn  io.ReadWriteCloser

	quitTimeout time.Duration
	relayCancel context.CancelFunc
	relayDone   chan error

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the guest and starts the relay.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Mux == "" && cfg.Control == "" {
		return nil, errors.New("session: no control endpoint")
	}
	id := uuid.New()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id.String())

	s := &Session{
		ID:          id,
		log:         log,
		registry:    dispatch.New(log),
		quitTimeout: cfg.QuitTimeout,
	}
	if s.quitTimeout == 0 {
		s.quitTimeout = DefaultQuitTimeout
	}

	dial := transport.DialConfig{Retries: cfg.Retries, Backoff: cfg.Backoff, Logger: log}
	opts := []guestagent.Option{guestagent.WithLogger(log)}
	if cfg.Backoff > 0 {
		opts = append(opts, guestagent.WithBackoff(cfg.Backoff))
	}

	if cfg.Mux != "" {
		conn, err := transport.Dial(ctx, cfg.Mux, dial)
		if err != nil {
			return nil, err
		}
		s.mux = transport.NewMux(conn, log, transport.ChannelControl, transport.ChannelNetwork)
		s.client = guestagent.NewClient(s.mux.Channel(transport.ChannelControl), s.registry.Handle, opts...)
		s.netConn = s.mux.Channel(transport.ChannelNetwork)
	} else {
		client, err := guestagent.Connect(ctx, cfg.Control, cfg.Retries, s.registry.Handle, opts...)
		if err != nil {
			return nil, err
		}
		s.client = client
		if cfg.Network != "" {
			conn, err := transport.Dial(ctx, cfg.Network, dial)
			if err != nil {
				client.Close()
				return nil, err
			}
			s.netConn = conn
		}
	}

	go func() {
		<-s.client.Done()
		if err := s.client.Err(); !errors.Is(err, guestagent.ErrClosed) {
			log.Warn("session: control connection lost", "err", err)
		}
		s.registry.Close()
	}()

	if s.netConn != nil {
		if err := s.startRelay(cfg); err != nil {
			s.teardown()
			return nil, err
		}
	}

	log.Info("session: connected", "mux", cfg.Mux != "", "relay", s.netConn != nil)
	return s, nil
}

func (s *Session) startRelay(cfg Config) error {
	opts := []relay.Option{relay.WithLogger(s.log)}
	if cfg.HardwareAddr != nil {
		opts = append(opts, relay.WithHardwareAddr(cfg.HardwareAddr))
	}
	if cfg.Capture != nil {
		w, err := pcap.NewWriter(cfg.Capture, 0)
		if err != nil {
			return fmt.Errorf("session: capture: %w", err)
		}
		opts = append(opts, relay.WithCapture(w))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.relayCancel = cancel
	s.relayDone = make(chan error, 1)
	rl := relay.New(s.netConn, opts...)
	go func() {
		err := rl.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("session: relay stopped", "err", err)
		}
		s.relayDone <- err
	}()
	return nil
}

// Client exposes the control client for operations the session does not
// wrap.
func (s *Session) Client() *guestagent.Client { return s.client }

// Done is closed when the control connection ends.
func (s *Session) Done() <-chan struct{} { return s.client.Done() }

// Spawn starts spec and returns a handle on it.
func (s *Session) Spawn(ctx context.Context, spec guestagent.ProcessSpec) (*Process, error) {
	return s.spawn(ctx, spec, false)
}

// SpawnEntrypoint starts spec as the task's top-level process.
func (s *Session) SpawnEntrypoint(ctx context.Context, spec guestagent.ProcessSpec) (*Process, error) {
	return s.spawn(ctx, spec, true)
}

func (s *Session) spawn(ctx context.Context, spec guestagent.ProcessSpec, entrypoint bool) (*Process, error) {
	run := s.client.RunProcess
	if entrypoint {
		run = s.client.RunEntrypoint
	}
	id, err := run(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.log.Debug("session: spawned", "process", id, "path", spec.Path)
	return &Process{
		s:         s,
		id:        id,
		h:         s.registry.Register(id),
		redirects: spec.Redirects,
	}, nil
}

// NetworkConfig is the guest interface setup applied by Configure.
type NetworkConfig struct {
	Interface guestagent.Interface
	// Address and Mask assign an address when Address is set.
	Address string
	Mask    string
	// Subnet and Gateway add a route when Subnet is set. Mask is shared.
	Subnet  string
	Gateway string
	Hosts   []guestagent.HostEntry
}

// Configure applies nc to the guest.
func (s *Session) Configure(ctx context.Context, nc NetworkConfig) error {
	if nc.Address != "" {
		if err := s.client.AddAddress(ctx, nc.Address, nc.Mask, nc.Interface); err != nil {
			return fmt.Errorf("session: add address: %w", err)
		}
	}
	if nc.Subnet != "" {
		if err := s.client.CreateNetwork(ctx, nc.Subnet, nc.Mask, nc.Gateway, nc.Interface); err != nil {
			return fmt.Errorf("session: create network: %w", err)
		}
	}
	if len(nc.Hosts) > 0 {
		if err := s.client.AddHosts(ctx, nc.Hosts); err != nil {
			return fmt.Errorf("session: add hosts: %w", err)
		}
	}
	return nil
}

// Mount is one share to attach.
type Mount struct {
	Tag  string
	Path string
}

// Mount attaches every share in order, stopping at the first failure.
func (s *Session) Mount(ctx context.Context, mounts ...Mount) error {
	for _, m := range mounts {
		if err := s.client.Mount(ctx, m.Tag, m.Path); err != nil {
			return fmt.Errorf("session: mount %s at %s: %w", m.Tag, m.Path, err)
		}
	}
	return nil
}

// Close asks the guest to quit and tears everything down. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.quitTimeout)
		defer cancel()
		if err := s.client.Quit(ctx); err != nil && !errors.Is(err, guestagent.ErrClosed) {
			s.closeErr = fmt.Errorf("session: quit: %w", err)
		}
		s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() {
	s.client.Close()
	s.registry.Close()
	if s.relayCancel != nil {
		s.relayCancel()
	}
	if s.mux != nil {
		s.mux.Close()
	} else if s.netConn != nil {
		s.netConn.Close()
	}
	if s.relayDone != nil {
		<-s.relayDone
	}
	s.log.Debug("session: closed")
}

// Command vmhost runs one command inside a guest whose agent is already
// listening, streams its output and exits with its status.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tinyrange/vmhost/internal/config"
	"github.com/tinyrange/vmhost/internal/guestagent"
	"github.com/tinyrange/vmhost/internal/session"
)

func main() {
	err := run(os.Args[1:])
	var exit *exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code())
	case errors.Is(err, pflag.ErrHelp):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "vmhost: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a non-zero guest exit to main.
type exitError struct {
	reason guestagent.ExitReason
}

func (e *exitError) Error() string { return "guest process " + e.reason.String() }

func (e *exitError) code() int {
	if e.reason.Kind == guestagent.ExitExited {
		return int(e.reason.Status)
	}
	return 128 + int(e.reason.Status)
}

type options struct {
	configPath  string
	control     string
	network     string
	mux         string
	retries     int
	capture     string
	hwAddr      string
	capacity    uint64
	stripANSI   bool
	dir         string
	env         []string
	uid, gid    uint32
	entrypoint  bool
	debug       bool
	printConfig bool
}

func parseFlags(args []string) (*pflag.FlagSet, *options, error) {
	var o options
	fs := pflag.NewFlagSet("vmhost", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&o.control, "control", "", "Guest control endpoint (unix:/path or tcp:host:port)")
	fs.StringVar(&o.network, "network", "", "Guest network frame endpoint")
	fs.StringVar(&o.mux, "mux", "", "Single endpoint carrying control and network")
	fs.IntVar(&o.retries, "retries", 0, "Connection attempts after the first")
	fs.StringVar(&o.capture, "capture", "", "Write relay traffic to this pcap file")
	fs.StringVar(&o.hwAddr, "hardware-addr", "", "MAC address claimed in ARP replies")
	fs.Uint64Var(&o.capacity, "capacity", 0, "Capacity of the stdout and stderr pipes in bytes")
	fs.BoolVar(&o.stripANSI, "strip-ansi", false, "Strip ANSI escape sequences from guest output")
	fs.StringVar(&o.dir, "cwd", "", "Working directory in the guest")
	fs.StringArrayVarP(&o.env, "env", "e", nil, "Environment entry KEY=VALUE (repeatable)")
	fs.Uint32Var(&o.uid, "uid", 0, "User id in the guest")
	fs.Uint32Var(&o.gid, "gid", 0, "Group id in the guest")
	fs.BoolVar(&o.entrypoint, "entrypoint", false, "Run as the task entrypoint")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&o.printConfig, "print-config", false, "Print the effective config and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vmhost [flags] [--] <path> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Run a command through a guest agent and stream its output.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return fs, &o, nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(fs *pflag.FlagSet, o *options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if fs.Changed("control") {
		cfg.Guest.Control = o.control
	}
	if fs.Changed("network") {
		cfg.Guest.Network = o.network
	}
	if fs.Changed("mux") {
		cfg.Guest.Mux = o.mux
	}
	if fs.Changed("retries") {
		cfg.Guest.Retries = o.retries
	}
	if fs.Changed("capture") {
		cfg.Guest.Capture = o.capture
	}
	if fs.Changed("hardware-addr") {
		cfg.Guest.HardwareAddr = o.hwAddr
	}
	if fs.Changed("capacity") {
		cfg.Output.Capacity = o.capacity
	}
	if fs.Changed("strip-ansi") {
		cfg.Output.StripANSI = o.stripANSI
	}
	return cfg, nil
}

func newLogger(w *os.File, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(args []string) error {
	fs, o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(fs, o)
	if err != nil {
		return err
	}
	if o.printConfig {
		return cfg.Write(os.Stdout)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	argv := fs.Args()
	if len(argv) < 1 {
		fs.Usage()
		return fmt.Errorf("command path required")
	}

	log := newLogger(os.Stderr, o.debug)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var capture io.Writer
	if cfg.Guest.Capture != "" {
		f, err := os.Create(cfg.Guest.Capture)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		capture = f
	}

	s, err := session.Open(ctx, cfg.SessionConfig(log, capture))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("close session", "err", err)
		}
	}()

	if err := s.Configure(ctx, cfg.SessionNetwork()); err != nil {
		return err
	}
	if err := s.Mount(ctx, cfg.SessionMounts()...); err != nil {
		return err
	}

	spec := guestagent.ProcessSpec{
		Path: argv[0],
		Args: argv,
		Env:  o.env,
		Dir:  o.dir,
		UID:  o.uid,
		GID:  o.gid,
		Redirects: [3]guestagent.RedirectSpec{
			guestagent.Stdout: guestagent.PipeBlocking(cfg.Output.Capacity),
			guestagent.Stderr: guestagent.PipeBlocking(cfg.Output.Capacity),
		},
	}
	spawn := s.Spawn
	if o.entrypoint {
		spawn = s.SpawnEntrypoint
	}
	p, err := spawn(ctx, spec)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	log.Debug("process started", "process", p.ID(), "args", argv)

	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	if cfg.Output.StripANSI {
		so, se := newStripWriter(os.Stdout), newStripWriter(os.Stderr)
		defer so.Flush()
		defer se.Flush()
		stdout, stderr = so, se
	}

	reason, err := p.Stream(ctx, stdout, stderr)
	if err != nil {
		if ctx.Err() != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if kerr := p.Kill(killCtx); kerr != nil && !guestagent.IsNoSuchProcess(kerr) {
				log.Warn("kill process", "process", p.ID(), "err", kerr)
			}
		}
		return fmt.Errorf("stream output: %w", err)
	}

	log.Debug("process exited", "process", p.ID(), "reason", reason.String())
	if !reason.Success() {
		return &exitError{reason: reason}
	}
	return nil
}

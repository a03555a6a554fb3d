// Package config loads the vmhost YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmhost/internal/guestagent"
	"github.com/tinyrange/vmhost/internal/session"
	"github.com/tinyrange/vmhost/internal/transport"
)

const (
	DefaultFilename = "vmhost.yaml"
	DefaultCapacity = 64 << 10
)

// Config is the on-disk configuration.
type Config struct {
	Version int `yaml:"version"`

	Guest   GuestConfig   `yaml:"guest"`
	Network NetworkConfig `yaml:"network,omitempty"`
	Mounts  []Mount       `yaml:"mounts,omitempty"`
	Output  OutputConfig  `yaml:"output"`
}

type GuestConfig struct {
	Control string `yaml:"control,omitempty"`
	Network string `yaml:"network,omitempty"`
	Mux     string `yaml:"mux,omitempty"`

	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	QuitTimeout time.Duration `yaml:"quitTimeout"`

	HardwareAddr string `yaml:"hardwareAddr,omitempty"`
	// Capture is a pcap file receiving relay traffic.
	Capture string `yaml:"capture,omitempty"`
}

type NetworkConfig struct {
	// Interface is "vpn" or "inet".
	Interface string `yaml:"interface,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Mask      string `yaml:"mask,omitempty"`
	Subnet    string `yaml:"subnet,omitempty"`
	Gateway   string `yaml:"gateway,omitempty"`
	Hosts     []Host `yaml:"hosts,omitempty"`
}

type Host struct {
	Addr string `yaml:"addr"`
	Name string `yaml:"name"`
}

type Mount struct {
	Tag  string `yaml:"tag"`
	Path string `yaml:"path"`
}

type OutputConfig struct {
	// Capacity of the blocking pipes for stdout and stderr.
	Capacity  uint64 `yaml:"capacity"`
	StripANSI bool   `yaml:"stripAnsi,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Guest.Retries == 0 {
		c.Guest.Retries = transport.DefaultRetries
	}
	if c.Guest.Backoff == 0 {
		c.Guest.Backoff = transport.DefaultBackoff
	}
	if c.Guest.QuitTimeout == 0 {
		c.Guest.QuitTimeout = session.DefaultQuitTimeout
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "vpn"
	}
	if c.Output.Capacity == 0 {
		c.Output.Capacity = DefaultCapacity
	}
}

// Parse decodes data and fills in defaults. It does not validate.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	return c, nil
}

// Load reads and parses the file at name.
func Load(name string) (Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", name, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Version != 1 {
		bad("version %d is not supported", c.Version)
	}

	g := c.Guest
	switch {
	case g.Mux != "":
		if g.Control != "" || g.Network != "" {
			bad("guest.mux excludes guest.control and guest.network")
		}
	case g.Control == "":
		bad("guest.control or guest.mux is required")
	}
	for field, ep := range map[string]string{"control": g.Control, "network": g.Network, "mux": g.Mux} {
		if ep == "" {
			continue
		}
		if _, _, err := transport.ParseEndpoint(ep); err != nil {
			bad("guest.%s: %w", field, err)
		}
	}
	if g.Retries < 0 {
		bad("guest.retries must not be negative")
	}
	if g.Backoff < 0 || g.QuitTimeout < 0 {
		bad("guest durations must not be negative")
	}
	if g.HardwareAddr != "" {
		if _, err := net.ParseMAC(g.HardwareAddr); err != nil {
			bad("guest.hardwareAddr: %w", err)
		}
	}

	n := c.Network
	if _, err := parseInterface(n.Interface); err != nil {
		bad("network.interface: %w", err)
	}
	for field, v := range map[string]string{"address": n.Address, "mask": n.Mask, "subnet": n.Subnet, "gateway": n.Gateway} {
		if v != "" && !isIPv4(v) {
			bad("network.%s: %q is not an IPv4 address", field, v)
		}
	}
	if (n.Address != "" || n.Subnet != "") && n.Mask == "" {
		bad("network.mask is required with an address or subnet")
	}
	if n.Subnet != "" && n.Gateway == "" {
		bad("network.gateway is required with a subnet")
	}
	for i, h := range n.Hosts {
		if !isIPv4(h.Addr) {
			bad("network.hosts[%d]: %q is not an IPv4 address", i, h.Addr)
		}
		if _, ok := dns.IsDomainName(h.Name); !ok || h.Name == "" {
			bad("network.hosts[%d]: %q is not a host name", i, h.Name)
		}
	}

	for i, m := range c.Mounts {
		if m.Tag == "" {
			bad("mounts[%d]: empty tag", i)
		}
		if !path.IsAbs(m.Path) {
			bad("mounts[%d]: guest path %q is not absolute", i, m.Path)
		}
	}

	if c.Output.Capacity == 0 {
		bad("output.capacity must be positive")
	}
	return errors.Join(errs...)
}

func isIPv4(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}

func parseInterface(s string) (guestagent.Interface, error) {
	switch s {
	case "vpn":
		return guestagent.InterfaceVPN, nil
	case "inet":
		return guestagent.InterfaceInet, nil
	}
	return 0, fmt.Errorf("unknown interface %q", s)
}

// SessionConfig maps the guest section onto session.Config. capture may be
// nil.
func (c *Config) SessionConfig(log *slog.Logger, capture io.Writer) session.Config {
	sc := session.Config{
		Control:     c.Guest.Control,
		Network:     c.Guest.Network,
		Mux:         c.Guest.Mux,
		Retries:     c.Guest.Retries,
		Backoff:     c.Guest.Backoff,
		QuitTimeout: c.Guest.QuitTimeout,
		Capture:     capture,
		Logger:      log,
	}
	if hw, err := net.ParseMAC(c.Guest.HardwareAddr); err == nil {
		sc.HardwareAddr = hw
	}
	return sc
}

// SessionNetwork maps the network section onto session.NetworkConfig.
func (c *Config) SessionNetwork() session.NetworkConfig {
	iface, _ := parseInterface(c.Network.Interface)
	nc := session.NetworkConfig{
		Interface: iface,
		Address:   c.Network.Address,
		Mask:      c.Network.Mask,
		Subnet:    c.Network.Subnet,
		Gateway:   c.Network.Gateway,
	}
	for _, h := range c.Network.Hosts {
		nc.Hosts = append(nc.Hosts, guestagent.HostEntry{Addr: h.Addr, Name: h.Name})
	}
	return nc
}

// SessionMounts returns the mounts in file order.
func (c *Config) SessionMounts() []session.Mount {
	out := make([]session.Mount, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		out = append(out, session.Mount{Tag: m.Tag, Path: m.Path})
	}
	return out
}

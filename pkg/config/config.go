// Package config loads the device runtime configuration: defaults,
// then the YAML file, then environment and command line overrides.
package config

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"gopkg.in/yaml.v3"

	"github.com/motelabs/mote.go/pkg/extmem"
	"github.com/motelabs/mote.go/pkg/inet"
)

// LinkConfig selects the frame tunnel to the far end of the link.
type LinkConfig struct {
	// Tunnel is udp or ws.
	Tunnel string `yaml:"tunnel"`
	// Connect is the tunnel endpoint: host:port for udp, a URL for ws.
	Connect string `yaml:"connect"`
	// MAC overrides the derived hardware address.
	MAC string `yaml:"mac"`
}

// NetConfig holds addressing. An empty IP selects DHCP.
type NetConfig struct {
	Hostname string `yaml:"hostname"`
	IP       string `yaml:"ip"`
	Netmask  string `yaml:"netmask"`
	Gateway  string `yaml:"gateway"`
	DNS      string `yaml:"dns"`
}

// TimeConfig tunes the time-sync client.
type TimeConfig struct {
	Server   string `yaml:"server"`
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
	Retries  int    `yaml:"retries"`
}

// TransferConfig tunes the file transfer client.
type TransferConfig struct {
	// Server is the default transfer server; console commands may
	// name another.
	Server  string `yaml:"server"`
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
}

// MemoryFaults injects controller faults, for exercising the
// bring-up policy on a running system.
type MemoryFaults struct {
	Init      bool   `yaml:"init"`
	StuckAddr uint32 `yaml:"stuck_addr"`
	StuckMask uint32 `yaml:"stuck_mask"`
	AliasMask uint32 `yaml:"alias_mask"`
}

// MemoryConfig sizes the external memory and picks the bring-up
// failure policy.
type MemoryConfig struct {
	Words  uint32       `yaml:"words"`
	Policy string       `yaml:"policy"`
	Faults MemoryFaults `yaml:"faults"`
}

// MQTTConfig locates the telemetry broker. URL "off" disables the
// uplink.
type MQTTConfig struct {
	URL string `yaml:"url"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full device runtime configuration.
type Config struct {
	Name string `yaml:"name"`

	Link     LinkConfig     `yaml:"link"`
	Net      NetConfig      `yaml:"net"`
	Time     TimeConfig     `yaml:"time"`
	Transfer TransferConfig `yaml:"transfer"`
	Memory   MemoryConfig   `yaml:"memory"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

var defaultConfig = Config{
	Link:   LinkConfig{Tunnel: "udp", Connect: "127.0.0.1:7777"},
	Time:   TimeConfig{Server: "pool.ntp.org"},
	Memory: MemoryConfig{Words: 65536, Policy: "halt"},
	MQTT:   MQTTConfig{URL: "mqtt://localhost:1883/mote/"},
}

func init() {
	if val := os.Getenv("MOTE_MQTT_URL"); val != "" {
		defaultConfig.MQTT.URL = val
	}
}

// identity names the device after the machine it runs on.
func identity() string {
	if id, err := machineid.ID(); err == nil {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "mote"
}

// NewConfig returns a copy of the defaults.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// SetupFlags binds command line overrides on fs. Parse fs, Load the
// file, then ApplyFlags so the command line wins over the file.
func SetupFlags(fs *flag.FlagSet) {
	d := &defaultConfig
	fs.String("name", d.Name, "device name (default: machine id)")
	fs.String("tunnel", d.Link.Tunnel, "frame tunnel type, udp or ws")
	fs.String("connect", d.Link.Connect, "frame tunnel endpoint")
	fs.String("time-server", d.Time.Server, "time server name or address")
	fs.String("server", d.Transfer.Server, "default transfer server")
	fs.String("policy", d.Memory.Policy, "memory bring-up failure policy, halt or degrade")
	fs.String("mqtt", d.MQTT.URL, "MQTT broker URL, off disables the uplink")
	fs.String("metrics", d.Metrics.Listen, "metrics listen address, empty disables")
}

// ApplyFlags copies flags the user actually set into cfg.
func ApplyFlags(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "name":
			cfg.Name = v
		case "tunnel":
			cfg.Link.Tunnel = v
		case "connect":
			cfg.Link.Connect = v
		case "time-server":
			cfg.Time.Server = v
		case "server":
			cfg.Transfer.Server = v
		case "policy":
			cfg.Memory.Policy = v
		case "mqtt":
			cfg.MQTT.URL = v
		case "metrics":
			cfg.Metrics.Listen = v
		}
	})
}

// Load reads the file over the defaults. An empty path loads defaults
// only. The result is normalized but not yet validated; callers apply
// their flag overrides first.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills derived defaults.
func (c *Config) Normalize() {
	if c.Name == "" {
		c.Name = identity()
	}
	if c.Net.Hostname == "" {
		c.Net.Hostname = c.Name
	}
	if c.Memory.Words == 0 {
		c.Memory.Words = defaultConfig.Memory.Words
	}
}

// Validate rejects values the runtime cannot act on.
func (c *Config) Validate() error {
	switch c.Link.Tunnel {
	case "udp", "ws":
	default:
		return fmt.Errorf("config: unknown link tunnel %q", c.Link.Tunnel)
	}
	if c.Link.Connect == "" {
		return fmt.Errorf("config: link connect endpoint required")
	}
	if c.Link.MAC != "" {
		if _, err := net.ParseMAC(c.Link.MAC); err != nil {
			return fmt.Errorf("config: bad link mac: %w", err)
		}
	}
	for _, f := range []struct{ name, val string }{
		{"net.ip", c.Net.IP},
		{"net.netmask", c.Net.Netmask},
		{"net.gateway", c.Net.Gateway},
		{"net.dns", c.Net.DNS},
	} {
		if f.val == "" {
			continue
		}
		if ip := net.ParseIP(f.val); ip == nil || ip.To4() == nil {
			return fmt.Errorf("config: %s is not an IPv4 address: %q", f.name, f.val)
		}
	}
	if c.Net.IP != "" && c.Net.Netmask == "" {
		return fmt.Errorf("config: static net.ip needs net.netmask")
	}
	for _, f := range []struct{ name, val string }{
		{"time.interval", c.Time.Interval},
		{"time.timeout", c.Time.Timeout},
		{"transfer.timeout", c.Transfer.Timeout},
	} {
		if f.val == "" {
			continue
		}
		if _, err := time.ParseDuration(f.val); err != nil {
			return fmt.Errorf("config: bad %s: %w", f.name, err)
		}
	}
	if _, err := extmem.ParsePolicy(c.Memory.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MQTTEnabled() {
		if _, err := url.Parse(c.MQTT.URL); err != nil {
			return fmt.Errorf("config: bad mqtt url: %w", err)
		}
	}
	return nil
}

// MQTTEnabled reports whether the telemetry uplink should run.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.URL != "" && c.MQTT.URL != "off"
}

// Policy returns the parsed bring-up policy.
func (c *Config) Policy() extmem.Policy {
	p, _ := extmem.ParsePolicy(c.Memory.Policy)
	return p
}

// MAC returns the configured hardware address, or one derived from
// the device name: stable per device, locally administered.
func (c *Config) MAC() net.HardwareAddr {
	if c.Link.MAC != "" {
		if mac, err := net.ParseMAC(c.Link.MAC); err == nil {
			return mac
		}
	}
	h := fnv.New32a()
	h.Write([]byte(c.Name))
	s := h.Sum32()
	return net.HardwareAddr{0x02, 0x6d, byte(s >> 24), byte(s >> 16), byte(s >> 8), byte(s)}
}

// HostConfig assembles the network engine configuration.
func (c *Config) HostConfig() inet.HostConfig {
	return inet.HostConfig{
		MAC:      c.MAC(),
		Hostname: c.Net.Hostname,
		IP:       parseIP4(c.Net.IP),
		Netmask:  parseIP4(c.Net.Netmask),
		Gateway:  parseIP4(c.Net.Gateway),
		DNS:      parseIP4(c.Net.DNS),
	}
}

// TimeInterval returns the sync interval, parsed.
func (c *Config) TimeInterval() time.Duration {
	return duration(c.Time.Interval, 0)
}

// TimeTimeout returns the per-request timeout, parsed.
func (c *Config) TimeTimeout() time.Duration {
	return duration(c.Time.Timeout, 0)
}

// TransferTimeout returns the per-block timeout, parsed.
func (c *Config) TransferTimeout() time.Duration {
	return duration(c.Transfer.Timeout, 0)
}

// MemoryRegion returns the external memory region to bring up.
func (c *Config) MemoryRegion() extmem.Region {
	return extmem.Region{Base: 0x60000000, Words: c.Memory.Words}
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseIP4(s string) net.IP {
	if s == "" {
		return nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

package net

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

type backendKind string

const (
	backendTap     backendKind = "tap"
	backendUsernet backendKind = "usernet"
)

type deviceSpec struct {
	Kind      backendKind
	Interface string
}

// Config is the --net-config file format.
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
	Usernet UsernetConfig  `yaml:"usernet"`
}

// DeviceConfig configures one manifest-declared network device.
type DeviceConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Interface string `yaml:"interface,omitempty"`
	MAC       string `yaml:"mac,omitempty"`
}

// UsernetConfig tunes the user-mode network stack shared by all usernet
// devices.
type UsernetConfig struct {
	// Gateway is the stack's address; defaults to 10.0.2.2.
	Gateway string `yaml:"gateway,omitempty"`

	// DNS controls the built-in DNS server; defaults to on.
	DNS *bool `yaml:"dns,omitempty"`

	// Hostnames are extra names the built-in DNS server answers for.
	Hostnames map[string]string `yaml:"hostnames,omitempty"`

	// Forwards publishes guest TCP ports on host addresses.
	Forwards []ForwardConfig `yaml:"forwards,omitempty"`
}

// ForwardConfig forwards one host TCP listen address to a guest address.
type ForwardConfig struct {
	Host  string `yaml:"host"`  // listen address, e.g. "127.0.0.1:8080"
	Guest string `yaml:"guest"` // guest address, e.g. "10.0.2.15:80"
}

// guestAddr parses and validates the forward's guest side.
func (f *ForwardConfig) guestAddr() (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(f.Guest)
	if err != nil {
		return nil, 0, fmt.Errorf("bad guest address %q: %w", f.Guest, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, 0, fmt.Errorf("bad guest address %q: not an IPv4 address", f.Guest)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, 0, fmt.Errorf("bad guest address %q: bad port", f.Guest)
	}
	return ip, uint16(port), nil
}

const defaultGateway = "10.0.2.2"

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse network config: %w", err)
	}

	seen := make(map[string]bool)
	for i := range cfg.Devices {
		dc := &cfg.Devices[i]
		if dc.Name == "" {
			return nil, fmt.Errorf("network config: device %d has no name", i)
		}
		if seen[dc.Name] {
			return nil, fmt.Errorf("network config: device %q listed twice", dc.Name)
		}
		seen[dc.Name] = true

		switch backendKind(dc.Type) {
		case backendTap:
			if dc.Interface == "" {
				return nil, fmt.Errorf("network config: device %q: tap needs an interface", dc.Name)
			}
		case backendUsernet:
			if dc.Interface != "" {
				return nil, fmt.Errorf("network config: device %q: usernet takes no interface", dc.Name)
			}
		default:
			return nil, fmt.Errorf("network config: device %q: unknown type %q", dc.Name, dc.Type)
		}
	}

	if cfg.Usernet.Gateway != "" {
		if ip := net.ParseIP(cfg.Usernet.Gateway); ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("network config: bad gateway %q", cfg.Usernet.Gateway)
		}
	}
	for name, addr := range cfg.Usernet.Hostnames {
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("network config: hostname %q: bad address %q", name, addr)
		}
	}
	for i := range cfg.Usernet.Forwards {
		f := &cfg.Usernet.Forwards[i]
		if _, _, err := net.SplitHostPort(f.Host); err != nil {
			return nil, fmt.Errorf("network config: forward %d: bad host address %q: %w", i, f.Host, err)
		}
		if _, _, err := f.guestAddr(); err != nil {
			return nil, fmt.Errorf("network config: forward %d: %w", i, err)
		}
	}

	return &cfg, nil
}

// resolveConfig merges the config file with --net options. A --net option
// replaces the file's device of the same name.
func (m *Module) resolveConfig() (*Config, error) {
	cfg := &Config{}
	if m.configPath != "" {
		loaded, err := loadConfigFile(m.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	byName := make(map[string]DeviceConfig, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		byName[dc.Name] = dc
	}
	for name, spec := range m.specs {
		byName[name] = DeviceConfig{
			Name:      name,
			Type:      string(spec.Kind),
			Interface: spec.Interface,
		}
	}

	cfg.Devices = cfg.Devices[:0]
	for _, dc := range byName {
		cfg.Devices = append(cfg.Devices, dc)
	}
	sort.Slice(cfg.Devices, func(i, j int) bool {
		return cfg.Devices[i].Name < cfg.Devices[j].Name
	})
	return cfg, nil
}

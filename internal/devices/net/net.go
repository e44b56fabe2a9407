// Package net implements the tender's network device module. Each manifest
// network device is backed either by a host tap interface or by the
// user-mode network stack, selected per device with --net:NAME=... or a
// --net-config file.
package net

import (
	"crypto/rand"
	"fmt"
	"net"
	"strings"

	"github.com/tinyrange/tender/internal/hvcall"
	"github.com/tinyrange/tender/internal/mft"
	"github.com/tinyrange/tender/internal/module"
)

// MTU is the guest-visible MTU of every network device.
const MTU = 1500

// Backend moves raw ethernet frames for one guest interface.
type Backend interface {
	// WriteFrame sends one frame from the guest.
	WriteFrame(frame []byte) error

	// ReadFrame returns one pending frame for the guest, or nil when
	// none is queued.
	ReadFrame() ([]byte, error)

	// PollFD is a descriptor that polls readable when a frame is
	// pending.
	PollFD() int

	Close() error
}

type device struct {
	name    string
	mac     net.HardwareAddr
	backend Backend
}

// Module is the network device module.
type Module struct {
	specs      map[string]deviceSpec
	configPath string

	// devices is indexed by manifest entry index after Setup.
	devices map[uint32]*device

	calls *hvcall.Registry
}

func New() *Module {
	return &Module{
		specs:   make(map[string]deviceSpec),
		devices: make(map[uint32]*device),
	}
}

func (m *Module) Name() string { return "net" }

func (m *Module) SupportsCmdarg() *module.CmdargHandler {
	return &module.CmdargHandler{Handle: m.handleCmdarg}
}

func (m *Module) handleCmdarg(arg string) error {
	if path, ok := strings.CutPrefix(arg, "--net-config="); ok {
		if path == "" {
			return fmt.Errorf("empty --net-config path")
		}
		if m.configPath != "" {
			return fmt.Errorf("--net-config given twice")
		}
		m.configPath = path
		return nil
	}

	spec, ok := strings.CutPrefix(arg, "--net:")
	if !ok {
		return module.ErrSkip
	}
	name, value, ok := strings.Cut(spec, "=")
	if !ok || name == "" || value == "" {
		return fmt.Errorf("malformed network device spec %q, want NAME=BACKEND", spec)
	}
	if _, dup := m.specs[name]; dup {
		return fmt.Errorf("network device %q configured twice", name)
	}

	switch {
	case strings.HasPrefix(value, "tap:"):
		iface := strings.TrimPrefix(value, "tap:")
		if iface == "" {
			return fmt.Errorf("network device %q: missing tap interface name", name)
		}
		m.specs[name] = deviceSpec{Kind: backendTap, Interface: iface}
	case value == "usernet":
		m.specs[name] = deviceSpec{Kind: backendUsernet}
	default:
		return fmt.Errorf("network device %q: unknown backend %q", name, value)
	}
	return nil
}

func (m *Module) SupportsUsage() *module.UsageInfo {
	return &module.UsageInfo{Lines: []string{
		"--net:NAME=tap:IFACE attach network NAME to host tap interface IFACE",
		"--net:NAME=usernet   attach network NAME to the user-mode network stack",
		"--net-config=FILE    read network configuration from a YAML file",
	}}
}

func (m *Module) SupportsMemOverride() *module.MemOverride { return nil }

// Setup claims every configured network device and brings its backend up.
func (m *Module) Setup(env *module.Env, manifest *mft.Manifest) error {
	m.calls = env.Hypercalls

	cfg, err := m.resolveConfig()
	if err != nil {
		return err
	}

	for _, dc := range cfg.Devices {
		entry, index, err := manifest.Lookup(dc.Name, mft.DevNetBasic)
		if err != nil {
			return fmt.Errorf("network device %q: %w", dc.Name, err)
		}
		if entry.Attached {
			return fmt.Errorf("network device %q: already attached", dc.Name)
		}

		mac, err := resolveMAC(dc.MAC)
		if err != nil {
			return fmt.Errorf("network device %q: %w", dc.Name, err)
		}

		backend, err := m.openBackend(&dc, cfg, env)
		if err != nil {
			return fmt.Errorf("network device %q: %w", dc.Name, err)
		}

		entry.Attached = true
		m.devices[uint32(index)] = &device{name: dc.Name, mac: mac, backend: backend}

		if env.Hypercalls != nil {
			env.Hypercalls.AddPollSource(backend)
		}
		if env.Log != nil {
			env.Log.Info("attached network device", "name", dc.Name, "backend", dc.Type, "mac", mac.String())
		}
	}

	if env.Hypercalls != nil {
		if err := env.Hypercalls.Register(hvcall.NetInfo, m.handleInfo); err != nil {
			return err
		}
		if err := env.Hypercalls.Register(hvcall.NetRead, m.handleRead); err != nil {
			return err
		}
		if err := env.Hypercalls.Register(hvcall.NetWrite, m.handleWrite); err != nil {
			return err
		}
	}
	return nil
}

// resolveMAC parses a configured MAC or generates a random
// locally-administered unicast one.
func resolveMAC(s string) (net.HardwareAddr, error) {
	if s != "" {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("bad MAC %q: %w", s, err)
		}
		if len(mac) != 6 {
			return nil, fmt.Errorf("bad MAC %q: want 48 bits", s)
		}
		return mac, nil
	}

	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate MAC: %w", err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}

// Close releases every backend.
func (m *Module) Close() error {
	var first error
	for _, d := range m.devices {
		if err := d.backend.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Hypercall argument layouts. All fields little-endian in guest memory.

type infoArgs struct {
	Handle uint32
	_      uint32
	MAC    [6]byte // out
	_      [2]byte
	MTU    uint64 // out
	Ret    int64  // out: 0 on success
}

type ioArgs struct {
	Handle uint32
	_      uint32
	Data   uint64 // guest-physical buffer address
	Len    uint64 // in: buffer size; out (read): frame size
	Ret    int64  // out: 0 on success, 1 on read with no frame pending
}

func (m *Module) handleInfo(gpa uint64) error {
	var args infoArgs
	if err := m.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}

	d, ok := m.devices[args.Handle]
	if !ok {
		args.Ret = -1
	} else {
		copy(args.MAC[:], d.mac)
		args.MTU = MTU
		args.Ret = 0
	}
	return m.calls.WriteArgs(gpa, &args)
}

func (m *Module) handleWrite(gpa uint64) error {
	var args ioArgs
	if err := m.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}
	args.Ret = -1

	if d, ok := m.devices[args.Handle]; ok && args.Len > 0 && args.Len <= MTU+14 {
		frame, err := m.calls.ReadBuffer(args.Data, args.Len)
		if err != nil {
			return err
		}
		if err := d.backend.WriteFrame(frame); err == nil {
			args.Ret = 0
		}
	}
	return m.calls.WriteArgs(gpa, &args)
}

func (m *Module) handleRead(gpa uint64) error {
	var args ioArgs
	if err := m.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}

	d, ok := m.devices[args.Handle]
	if !ok {
		args.Ret = -1
		return m.calls.WriteArgs(gpa, &args)
	}

	frame, err := d.backend.ReadFrame()
	switch {
	case err != nil:
		args.Ret = -1
	case frame == nil:
		args.Ret = 1 // nothing pending, guest should poll
	case uint64(len(frame)) > args.Len:
		args.Ret = -1
	default:
		if err := m.calls.WriteBuffer(args.Data, frame); err != nil {
			return err
		}
		args.Len = uint64(len(frame))
		args.Ret = 0
	}
	return m.calls.WriteArgs(gpa, &args)
}

var _ module.Module = &Module{}

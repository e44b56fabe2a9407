// Package block implements the tender's block device module. Each
// --block:NAME=PATH option backs one manifest-declared block device with a
// host file, exposed to the guest through the blkinfo/blkread/blkwrite
// hypercalls.
package block

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tinyrange/tender/internal/hvcall"
	"github.com/tinyrange/tender/internal/mft"
	"github.com/tinyrange/tender/internal/module"
)

// SectorSize is the guest-visible block size.
const SectorSize = 512

type device struct {
	name     string
	file     *os.File
	capacity uint64 // bytes
}

// Module is the block device module.
type Module struct {
	// paths maps device name to backing file path, filled from the
	// command line.
	paths map[string]string

	// devices is indexed by manifest entry index after Setup.
	devices map[uint32]*device

	calls *hvcall.Registry
}

func New() *Module {
	return &Module{
		paths:   make(map[string]string),
		devices: make(map[uint32]*device),
	}
}

func (m *Module) Name() string { return "block" }

func (m *Module) SupportsCmdarg() *module.CmdargHandler {
	return &module.CmdargHandler{Handle: m.handleCmdarg}
}

func (m *Module) handleCmdarg(arg string) error {
	spec, ok := strings.CutPrefix(arg, "--block:")
	if !ok {
		return module.ErrSkip
	}
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("malformed block device spec %q, want NAME=PATH", spec)
	}
	if _, dup := m.paths[name]; dup {
		return fmt.Errorf("block device %q configured twice", name)
	}
	m.paths[name] = path
	return nil
}

func (m *Module) SupportsUsage() *module.UsageInfo {
	return &module.UsageInfo{Lines: []string{
		"--block:NAME=PATH   attach block storage NAME, backed by file PATH",
	}}
}

func (m *Module) SupportsMemOverride() *module.MemOverride { return nil }

// Setup claims every configured block device in the manifest and opens its
// backing file, in device name order. A --block option naming a device the
// manifest does not declare is fatal.
func (m *Module) Setup(env *module.Env, manifest *mft.Manifest) error {
	m.calls = env.Hypercalls

	names := make([]string, 0, len(m.paths))
	for name := range m.paths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := m.paths[name]
		entry, index, err := manifest.Lookup(name, mft.DevBlockBasic)
		if err != nil {
			return fmt.Errorf("block device %q: %w", name, err)
		}
		if entry.Attached {
			return fmt.Errorf("block device %q: already attached", name)
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("block device %q: open %q: %w", name, path, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("block device %q: stat %q: %w", name, path, err)
		}
		capacity := uint64(st.Size())
		if capacity == 0 || capacity%SectorSize != 0 {
			f.Close()
			return fmt.Errorf("block device %q: %q size %d is not a positive multiple of %d",
				name, path, capacity, SectorSize)
		}

		entry.Attached = true
		entry.HostData = capacity
		m.devices[uint32(index)] = &device{name: name, file: f, capacity: capacity}

		if env.Log != nil {
			env.Log.Info("attached block device", "name", name, "path", path, "capacity", capacity)
		}
	}

	if env.Hypercalls != nil {
		if err := env.Hypercalls.Register(hvcall.BlkInfo, m.handleInfo); err != nil {
			return err
		}
		if err := env.Hypercalls.Register(hvcall.BlkRead, m.handleRead); err != nil {
			return err
		}
		if err := env.Hypercalls.Register(hvcall.BlkWrite, m.handleWrite); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the backing files.
func (m *Module) Close() error {
	var first error
	for _, d := range m.devices {
		if err := d.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Hypercall argument layouts. All fields little-endian in guest memory.

type infoArgs struct {
	Handle    uint32
	_         uint32
	Capacity  uint64 // out: device size in bytes
	BlockSize uint64 // out: SectorSize
	Ret       int64  // out: 0 on success
}

type ioArgs struct {
	Handle uint32
	_      uint32
	Sector uint64 // first sector of the transfer
	Data   uint64 // guest-physical buffer address
	Len    uint64 // bytes, must be a multiple of the block size
	Ret    int64  // out: 0 on success
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
		args.Capacity = d.capacity
		args.BlockSize = SectorSize
		args.Ret = 0
	}
	return m.calls.WriteArgs(gpa, &args)
}

// checkBounds validates a transfer against the device. Returns the byte
// offset of the first sector.
func (d *device) checkBounds(args *ioArgs) (int64, error) {
	if args.Len == 0 || args.Len%SectorSize != 0 || args.Len > d.capacity {
		return 0, fmt.Errorf("bad transfer length %d", args.Len)
	}
	if args.Sector > d.capacity/SectorSize {
		return 0, fmt.Errorf("sector %d beyond device capacity", args.Sector)
	}
	offset := args.Sector * SectorSize
	if offset > d.capacity-args.Len {
		return 0, fmt.Errorf("sectors [%d, %d) beyond device capacity", args.Sector,
			args.Sector+args.Len/SectorSize)
	}
	return int64(offset), nil
}

func (m *Module) handleRead(gpa uint64) error {
	var args ioArgs
	if err := m.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}
	args.Ret = -1

	if d, ok := m.devices[args.Handle]; ok {
		if offset, err := d.checkBounds(&args); err == nil {
			buf := make([]byte, args.Len)
			if _, err := d.file.ReadAt(buf, offset); err == nil {
				if err := m.calls.WriteBuffer(args.Data, buf); err != nil {
					return err
				}
				args.Ret = 0
			}
		}
	}
	return m.calls.WriteArgs(gpa, &args)
}

func (m *Module) handleWrite(gpa uint64) error {
	var args ioArgs
	if err := m.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}
	args.Ret = -1

	if d, ok := m.devices[args.Handle]; ok {
		if offset, err := d.checkBounds(&args); err == nil {
			buf, err := m.calls.ReadBuffer(args.Data, args.Len)
			if err != nil {
				return err
			}
			if _, err := d.file.WriteAt(buf, offset); err == nil {
				args.Ret = 0
			}
		}
	}
	return m.calls.WriteArgs(gpa, &args)
}

var _ module.Module = &Module{}

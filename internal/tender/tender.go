// Package tender sequences the privileged boot of a guest: memory sizing,
// guest load, vCPU initialization, module setup, boot info construction,
// privilege drop and the handoff to the execution loop. The sequence is
// strictly ordered with no backward transitions; any failure is terminal
// and cleanup is left to process exit.
package tender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tinyrange/tender/internal/cli"
	"github.com/tinyrange/tender/internal/guest"
	"github.com/tinyrange/tender/internal/hv"
	"github.com/tinyrange/tender/internal/hvcall"
	"github.com/tinyrange/tender/internal/mft"
	"github.com/tinyrange/tender/internal/module"
)

// Guest-physical layout. Everything the tender owns sits below the guest's
// minimum load address. The page tables grow with the guest memory size
// (one page directory per GiB of address space), so the boot info region
// is placed above them once the size is resolved.
const (
	// pagingBase is where the identity-mapping page tables start.
	pagingBase = 0x1000

	// cmdlineOff and manifestOff locate the guest command line and the
	// manifest copy relative to the boot info base.
	cmdlineOff  = 0x100
	manifestOff = 0x1000

	// GuestMinLoadAddr is the lowest guest-physical address a kernel
	// segment may occupy.
	GuestMinLoadAddr = 0x100000
)

// pagingEnd returns the first address past the page tables: PML4, PDPT and
// one page directory per GiB of mapped address space.
func pagingEnd(addrSpaceGiB int) uint64 {
	return pagingBase + 0x2000 + uint64(addrSpaceGiB)*0x1000
}

// State is one step of the boot sequence.
type State int

const (
	StateResolveMemorySize State = iota
	StateInitAddressSpace
	StateLoadGuest
	StateInitVCPU
	StateModuleSetup
	StateBuildBootInfo
	StateDropPrivileges
	StateExecutionLoop
)

func (s State) String() string {
	switch s {
	case StateResolveMemorySize:
		return "resolve memory size"
	case StateInitAddressSpace:
		return "init address space"
	case StateLoadGuest:
		return "load guest"
	case StateInitVCPU:
		return "init vcpu"
	case StateModuleSetup:
		return "module setup"
	case StateBuildBootInfo:
		return "build boot info"
	case StateDropPrivileges:
		return "drop privileges"
	case StateExecutionLoop:
		return "execution loop"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries everything Boot needs. Kernel is the already-open guest
// binary; Boot closes it as soon as loading completes.
type Config struct {
	Hypervisor hv.Hypervisor
	Registry   *module.Registry
	Manifest   *mft.Manifest

	Kernel      io.ReaderAt
	CloseKernel func() error
	KernelPath  string
	GuestArgs   []string

	// MemSize is the --mem value in bytes, 0 when not given.
	MemSize uint64

	Log *slog.Logger
}

// Orchestrator runs the boot sequence once. It is not reusable.
type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	calls *hvcall.Registry

	vm       hv.VirtualMachine
	memSize  uint64
	loadInfo *guest.Info

	// Layout derived from memSize in StateResolveMemorySize.
	addrSpaceGiB int
	bootInfoBase uint64

	// console receives guest puts output.
	console io.Writer

	// Test seams; nil means the real implementation.
	loadGuest func(r io.ReaderAt, mem io.WriterAt, base, size uint64) (*guest.Info, error)
	dropPriv  func(log *slog.Logger) error
	trace     func(s State)
}

func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     log,
		console: os.Stdout,
	}
}

func (o *Orchestrator) enter(s State) {
	if o.trace != nil {
		o.trace(s)
	}
	o.log.Debug("boot", "state", s.String())
}

// Boot runs the full sequence and returns the guest's exit status. Any
// error before the execution loop leaves host resources to be reclaimed by
// process exit.
func (o *Orchestrator) Boot(ctx context.Context) (int, error) {
	o.enter(StateResolveMemorySize)
	o.memSize = o.cfg.Registry.ResolveMemSize(cli.DefaultMemSize, o.cfg.MemSize)
	// Round up so the identity mapping covers the whole region with
	// large pages.
	const largePage = 2 << 20
	o.memSize = (o.memSize + largePage - 1) &^ uint64(largePage-1)

	// The boot info region sits directly above the page tables; both must
	// stay below the guest load address.
	o.addrSpaceGiB = int((o.memSize + (1 << 30) - 1) >> 30)
	o.bootInfoBase = pagingEnd(o.addrSpaceGiB)
	if o.bootInfoBase+manifestOff+mft.MaxWireSize > GuestMinLoadAddr {
		return 0, fmt.Errorf("%d bytes of guest memory needs page tables that reach the guest load address 0x%x",
			o.memSize, GuestMinLoadAddr)
	}
	o.log.Info("guest memory", "bytes", o.memSize)

	o.enter(StateInitAddressSpace)
	vm, err := o.cfg.Hypervisor.NewVirtualMachine(hv.SimpleVMConfig{MemSize: o.memSize})
	if err != nil {
		return 0, fmt.Errorf("init address space: %w", err)
	}
	o.vm = vm
	defer vm.Close()

	o.calls = hvcall.NewRegistry(vm)
	if err := o.registerCoreCalls(); err != nil {
		return 0, err
	}
	if err := vm.AddDevice(o.calls); err != nil {
		return 0, fmt.Errorf("attach hypercall device: %w", err)
	}

	o.enter(StateLoadGuest)
	load := o.loadGuest
	if load == nil {
		load = guest.Load
	}
	info, err := load(o.cfg.Kernel, vm, GuestMinLoadAddr, o.memSize-GuestMinLoadAddr)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", o.cfg.KernelPath, err)
	}
	o.loadInfo = info
	if o.cfg.CloseKernel != nil {
		if err := o.cfg.CloseKernel(); err != nil {
			return 0, fmt.Errorf("close %s: %w", o.cfg.KernelPath, err)
		}
	}
	o.log.Info("guest loaded", "entry", fmt.Sprintf("0x%x", info.Entry),
		"end", fmt.Sprintf("0x%x", info.End))

	o.enter(StateInitVCPU)
	if err := o.initVCPU(); err != nil {
		return 0, fmt.Errorf("init vcpu: %w", err)
	}

	o.enter(StateModuleSetup)
	env := &module.Env{VM: vm, Hypercalls: o.calls, Log: o.log}
	if err := o.cfg.Registry.SetupAll(env, o.cfg.Manifest); err != nil {
		return 0, err
	}
	if unattached := o.cfg.Manifest.Unattached(); len(unattached) > 0 {
		names := make([]string, len(unattached))
		for i, e := range unattached {
			names[i] = fmt.Sprintf("%q (%s)", e.Name, e.Type)
		}
		return 0, fmt.Errorf("guest declares devices no module attached: %s",
			strings.Join(names, ", "))
	}

	o.enter(StateBuildBootInfo)
	if err := o.writeBootInfo(); err != nil {
		return 0, fmt.Errorf("build boot info: %w", err)
	}

	o.enter(StateDropPrivileges)
	drop := o.dropPriv
	if drop == nil {
		drop = dropPrivileges
	}
	if err := drop(o.log); err != nil {
		return 0, fmt.Errorf("drop privileges: %w", err)
	}

	o.enter(StateExecutionLoop)
	return o.run(ctx)
}

// initVCPU puts the vCPU in 64-bit mode at the guest entry point, with the
// boot info address in RDI and the stack at the top of guest memory.
func (o *Orchestrator) initVCPU() error {
	return o.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("hypervisor does not provide an x86_64 vCPU")
		}
		if err := amd64.SetLongMode(pagingBase, o.addrSpaceGiB); err != nil {
			return err
		}
		return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:    hv.Register64(o.loadInfo.Entry),
			hv.RegisterAMD64Rsp:    hv.Register64(o.memSize - 8),
			hv.RegisterAMD64Rdi:    hv.Register64(o.bootInfoBase),
			hv.RegisterAMD64Rflags: hv.Register64(0x2),
		})
	})
}

// execLoop adapts the orchestrator to hv.RunConfig.
type execLoop struct {
	status *int
}

func (l *execLoop) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	for {
		err := vcpu.Run(ctx)
		if err == nil {
			continue
		}

		var halt *hvcall.HaltError
		if errors.As(err, &halt) {
			*l.status = halt.Status
			return nil
		}
		if errors.Is(err, hv.ErrVMHalted) {
			*l.status = 0
			return nil
		}
		return err
	}
}

// run enters the guest execution loop. The guest's halt status becomes the
// return value.
func (o *Orchestrator) run(ctx context.Context) (int, error) {
	status := 0
	if err := o.vm.Run(ctx, &execLoop{status: &status}); err != nil {
		return 0, fmt.Errorf("execution loop: %w", err)
	}
	o.log.Info("guest exited", "status", status)
	return status, nil
}

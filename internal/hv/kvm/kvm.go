//go:build linux && amd64

// Package kvm implements the hv interfaces on Linux KVM. It is deliberately
// small: one vCPU, one contiguous guest memory slot, and I/O port exits
// only, which is all the tender's hypercall ABI needs.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/tinyrange/tender/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv         *hypervisor
	vmFd       int
	vcpus      map[int]*virtualCPU
	memory     []byte
	memoryBase uint64
	devices    []hv.Device
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.devices = append(v.devices, dev)
	return dev.Init(v)
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	mem := v.memory
	v.memory = nil

	vmFd := v.vmFd
	v.vmFd = -1

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
	}

	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
	}

	return nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, ok := v.vcpus[0]
	if !ok {
		return fmt.Errorf("kvm: no vCPU 0 found")
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	return <-done
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(p, v.memory[gpa-v.memoryBase:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}
	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(v.memory[gpa-v.memoryBase:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}
	return n, err
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:    h,
		vcpus: make(map[int]*virtualCPU),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm.vmFd = vmFd

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("setting TSS addr: %w", err)
	}

	if config.MemorySize() == 0 {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("madvise memory: %w", err)
	}

	vm.memory = mem
	vm.memoryBase = config.MemoryBase()

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("create vCPU 0: %w", err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap vCPU 0 kvm_run: %w", err)
	}

	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("getting supported CPUID: %w", err)
	}
	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		unix.Close(vcpuFd)
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	vcpu := &virtualCPU{
		vm:       vm,
		id:       0,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}
	vm.vcpus[0] = vcpu

	go vcpu.start()

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open returns a KVM-backed hypervisor, or hv.ErrHypervisorUnavailable
// wrapped with detail when /dev/kvm cannot be used.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %v: %w", err, hv.ErrHypervisorUnavailable)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

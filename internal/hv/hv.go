// Package hv defines the hypervisor abstraction the tender boots guests on.
// The concrete Linux/KVM implementation lives in hv/kvm.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrVMHalted is returned by VirtualCPU.Run when the guest halts.
	ErrVMHalted = errors.New("virtual machine halted")

	// ErrHypervisorUnavailable indicates no usable hypervisor on this host.
	// Tests use errors.Is against this to skip when /dev/kvm is missing.
	ErrHypervisorUnavailable = errors.New("hypervisor unavailable on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr3
)

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Run enters the guest and returns on the next unhandled exit.
	// I/O port exits are dispatched to registered devices internally.
	Run(ctx context.Context) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongMode builds identity-mapped page tables at pagingBase (a
	// guest-physical address inside guest memory) covering addrSpaceGiB
	// gibibytes, and configures the vCPU for 64-bit long mode with flat
	// code and data segments.
	SetLongMode(pagingBase uint64, addrSpaceGiB int) error
}

// RunConfig drives a virtual machine's execution loop.
type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

// Device is the base interface for everything attached to a VM.
type Device interface {
	Init(vm VirtualMachine) error
}

// X86IOPortDevice is a device serving x86 I/O port accesses. The tender's
// hypercall dispatcher is the only such device.
type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// SimpleX86IOPortDevice adapts plain functions to X86IOPortDevice.
type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error { return nil }

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

// VirtualMachine owns a guest address space with a single vCPU. ReadAt and
// WriteAt address guest-physical memory.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMConfig interface {
	MemorySize() uint64
	MemoryBase() uint64
}

type SimpleVMConfig struct {
	MemSize uint64
	MemBase uint64
}

func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64 { return c.MemBase }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}

//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/tender/internal/hv"
	"golang.org/x/sys/unix"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cr3: true,
	}
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		if val, ok := regs[hv.RegisterAMD64Rax]; ok {
			regularRegs.Rax = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rbx]; ok {
			regularRegs.Rbx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rcx]; ok {
			regularRegs.Rcx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rdx]; ok {
			regularRegs.Rdx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rsi]; ok {
			regularRegs.Rsi = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rdi]; ok {
			regularRegs.Rdi = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rsp]; ok {
			regularRegs.Rsp = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rbp]; ok {
			regularRegs.Rbp = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rip]; ok {
			regularRegs.Rip = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rflags]; ok {
			regularRegs.Rflags = uint64(val.(hv.Register64))
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		if val, ok := regs[hv.RegisterAMD64Cr3]; ok {
			specialRegs.Cr3 = uint64(val.(hv.Register64))
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = hv.Register64(regularRegs.Rax)
			case hv.RegisterAMD64Rbx:
				regs[reg] = hv.Register64(regularRegs.Rbx)
			case hv.RegisterAMD64Rcx:
				regs[reg] = hv.Register64(regularRegs.Rcx)
			case hv.RegisterAMD64Rdx:
				regs[reg] = hv.Register64(regularRegs.Rdx)
			case hv.RegisterAMD64Rsi:
				regs[reg] = hv.Register64(regularRegs.Rsi)
			case hv.RegisterAMD64Rdi:
				regs[reg] = hv.Register64(regularRegs.Rdi)
			case hv.RegisterAMD64Rsp:
				regs[reg] = hv.Register64(regularRegs.Rsp)
			case hv.RegisterAMD64Rbp:
				regs[reg] = hv.Register64(regularRegs.Rbp)
			case hv.RegisterAMD64Rip:
				regs[reg] = hv.Register64(regularRegs.Rip)
			case hv.RegisterAMD64Rflags:
				regs[reg] = hv.Register64(regularRegs.Rflags)
			}
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if reg == hv.RegisterAMD64Cr3 {
				regs[reg] = hv.Register64(specialRegs.Cr3)
			}
		}
	}

	return nil
}

func (v *virtualCPU) Run(ctx context.Context) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, ierr.Suberror)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		return v.handleIO(ioData)
	case kvmExitShutdown:
		return hv.ErrVMHalted
	case kvmExitSystemEvent:
		return hv.ErrVMHalted
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unexpected reason %s", v.id, reason)
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	for _, dev := range v.vm.devices {
		kvmIoPortDevice, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		for _, port := range kvmIoPortDevice.IOPorts() {
			if port != ioData.port {
				continue
			}
			data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

			if ioData.direction == 0 {
				if err := kvmIoPortDevice.ReadIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
				}
			} else {
				if err := kvmIoPortDevice.WriteIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles I/O port 0x%04x", ioData.port)
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_PG = (1 << 31)
)

// CR4 bits
const (
	cr4_PAE = (1 << 5)
)

// EFER bits
const (
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

// page table entry bits
const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // writable
	pteUS = 1 << 2 // user
	ptePS = 1 << 7 // page-size (2MiB when set in PDE)
)

func (v *virtualCPU) SetLongMode(pagingBase uint64, addrSpaceGiB int) error {
	memBase := v.vm.memoryBase
	memData := v.vm.memory

	// Translate a guest-phys address to an index into guest memory.
	host := func(gpa uint64) int {
		if gpa < memBase {
			panic("GPA below memory base")
		}
		off := gpa - memBase
		if off > uint64(len(memData)) {
			panic("GPA outside allocated mem")
		}
		return int(off)
	}

	// All paging structures must be 4KiB aligned GPAs.
	pml4Addr := (memBase + pagingBase + 0x0000) &^ 0xFFF
	pdptAddr := (memBase + pagingBase + 0x1000) &^ 0xFFF
	pdBase := (memBase + pagingBase + 0x2000) &^ 0xFFF

	pml4 := (*[512]uint64)(unsafe.Pointer(&memData[host(pml4Addr)]))[:]
	pdpt := (*[512]uint64)(unsafe.Pointer(&memData[host(pdptAddr)]))[:]

	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}

	for giB := 0; giB < addrSpaceGiB; giB++ {
		pdAddr := pdBase + uint64(giB)*0x1000
		pd := (*[512]uint64)(unsafe.Pointer(&memData[host(pdAddr)]))[:]
		for i := range pd {
			pd[i] = 0
		}

		// A single PML4 slot covers the low 512 GiB.
		pml4[0] = (pdptAddr &^ 0xFFF) | pteP | pteRW | pteUS
		pdpt[giB] = (pdAddr &^ 0xFFF) | pteP | pteRW | pteUS

		// Fill the PD with 2MiB identity mappings for this 1 GiB slice.
		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21)
			pd[i] = (phys &^ 0x1FFFFF) | pteP | pteRW | pteUS | ptePS
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	// 64-bit code segment (CS.L=1, D=0), flat data segments.
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = 2 << 3
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	sregs.Tr = kvmSegment{
		Limit:    0x67,
		Selector: 3 << 3,
		Present:  1,
		Type:     11, // 64-bit busy TSS
	}
	sregs.Ldt = kvmSegment{Unusable: 1}

	if err := setSRegs(v.fd, &sregs); err != nil {
		return err
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)

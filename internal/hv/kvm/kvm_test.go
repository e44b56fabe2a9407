//go:build linux && amd64

package kvm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/tender/internal/hv"
)

func openOrSkip(t *testing.T) hv.Hypervisor {
	t.Helper()
	h, err := Open()
	if errors.Is(err, hv.ErrHypervisorUnavailable) {
		t.Skip("KVM not available")
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestMemoryRoundTrip(t *testing.T) {
	h := openOrSkip(t)

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{MemSize: 4 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Close()

	want := []byte("guest memory contents")
	if _, err := vm.WriteAt(want, 0x1000); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if _, err := vm.ReadAt(got, 0x1000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back different bytes")
	}

	if _, err := vm.WriteAt(want, int64(vm.MemorySize())); err == nil {
		t.Error("write past the end of guest memory should fail")
	}
}

type runLoop struct{}

func (runLoop) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	for {
		if err := vcpu.Run(ctx); err != nil {
			return err
		}
	}
}

// TestRunLongModeGuest boots a hand-assembled long mode guest that writes
// a value to an I/O port and halts.
func TestRunLongModeGuest(t *testing.T) {
	h := openOrSkip(t)

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{MemSize: 16 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Close()

	const port = 0x501
	var captured []byte
	dev := hv.SimpleX86IOPortDevice{
		Ports: []uint16{port},
		WriteFunc: func(p uint16, data []byte) error {
			captured = append([]byte(nil), data...)
			return nil
		},
	}
	if err := vm.AddDevice(dev); err != nil {
		t.Fatal(err)
	}

	code := []byte{
		0xba, 0x01, 0x05, 0x00, 0x00, // mov edx, 0x501
		0xb8, 0x2a, 0x00, 0x00, 0x00, // mov eax, 42
		0xef, // out dx, eax
		0xf4, // hlt
	}
	const entry = 0x100000
	if _, err := vm.WriteAt(code, entry); err != nil {
		t.Fatal(err)
	}

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			t.Fatal("vcpu is not x86_64")
		}
		if err := amd64.SetLongMode(0x1000, 1); err != nil {
			return err
		}
		return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:    hv.Register64(entry),
			hv.RegisterAMD64Rsp:    hv.Register64(8 << 20),
			hv.RegisterAMD64Rflags: hv.Register64(0x2),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := vm.Run(context.Background(), runLoop{}); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("run returned %v, want halt", err)
	}

	if len(captured) != 4 || binary.LittleEndian.Uint32(captured) != 42 {
		t.Errorf("I/O port captured % x", captured)
	}
}

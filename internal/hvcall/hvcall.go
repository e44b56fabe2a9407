// Package hvcall implements the hypercall ABI between the tender and the
// guest. Each hypercall is a 4-byte OUT to a dedicated I/O port carrying the
// guest-physical address of an argument struct; the handler reads the struct
// out of guest memory, performs the operation, and writes results back in
// place before the vCPU resumes.
package hvcall

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/tender/internal/hv"
)

// PortBase is the first I/O port of the hypercall range. Call number N is
// dispatched on port PortBase+N.
const PortBase uint16 = 0x500

// Call identifies a hypercall.
type Call uint16

const (
	Walltime Call = 1
	Puts     Call = 2
	Poll     Call = 3
	BlkInfo  Call = 4
	BlkWrite Call = 5
	BlkRead  Call = 6
	NetInfo  Call = 7
	NetWrite Call = 8
	NetRead  Call = 9
	Halt     Call = 10

	maxCall = Halt
)

func (c Call) String() string {
	switch c {
	case Walltime:
		return "walltime"
	case Puts:
		return "puts"
	case Poll:
		return "poll"
	case BlkInfo:
		return "blkinfo"
	case BlkWrite:
		return "blkwrite"
	case BlkRead:
		return "blkread"
	case NetInfo:
		return "netinfo"
	case NetWrite:
		return "netwrite"
	case NetRead:
		return "netread"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("call(%d)", uint16(c))
	}
}

// HaltError is returned from the vCPU run loop when the guest issues the
// halt hypercall. Status becomes the tender's exit status.
type HaltError struct {
	Status int
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("guest halted with status %d", e.Status)
}

// Handler services one hypercall. gpa is the guest-physical address of the
// argument struct the guest passed.
type Handler func(gpa uint64) error

// PollSource is implemented by devices that can contribute a file
// descriptor to the poll hypercall.
type PollSource interface {
	PollFD() int
}

// Registry maps hypercalls to handlers and dispatches guest OUTs. It
// implements hv.X86IOPortDevice over the hypercall port range.
type Registry struct {
	vm       hv.VirtualMachine
	handlers [maxCall + 1]Handler
	sources  []PollSource
}

func NewRegistry(vm hv.VirtualMachine) *Registry {
	return &Registry{vm: vm}
}

// Register installs a handler for call. Registering the same call twice is
// an error: it means two modules claimed the same hypercall.
func (r *Registry) Register(call Call, h Handler) error {
	if call == 0 || call > maxCall {
		return fmt.Errorf("hvcall: %s out of range", call)
	}
	if r.handlers[call] != nil {
		return fmt.Errorf("hvcall: %s already registered", call)
	}
	r.handlers[call] = h
	return nil
}

// AddPollSource registers a descriptor source for the poll hypercall.
func (r *Registry) AddPollSource(src PollSource) {
	r.sources = append(r.sources, src)
}

// PollSources returns the registered sources in registration order.
func (r *Registry) PollSources() []PollSource {
	return r.sources
}

func (r *Registry) Init(vm hv.VirtualMachine) error {
	r.vm = vm
	return nil
}

func (r *Registry) IOPorts() []uint16 {
	ports := make([]uint16, 0, maxCall)
	for c := Call(1); c <= maxCall; c++ {
		ports = append(ports, PortBase+uint16(c))
	}
	return ports
}

func (r *Registry) ReadIOPort(port uint16, data []byte) error {
	return fmt.Errorf("hvcall: guest IN from hypercall port 0x%04x", port)
}

func (r *Registry) WriteIOPort(port uint16, data []byte) error {
	call := Call(port - PortBase)
	if call == 0 || call > maxCall || r.handlers[call] == nil {
		return fmt.Errorf("hvcall: guest issued unhandled hypercall %s", call)
	}
	if len(data) != 4 {
		return fmt.Errorf("hvcall: %s: expected 4-byte OUT, got %d bytes", call, len(data))
	}
	gpa := uint64(binary.LittleEndian.Uint32(data))
	return r.handlers[call](gpa)
}

// ReadArgs decodes the little-endian argument struct at gpa into v.
func (r *Registry) ReadArgs(gpa uint64, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("hvcall: argument type %T has no fixed size", v)
	}
	sr := io.NewSectionReader(r.vm, int64(gpa), int64(size))
	if err := binary.Read(sr, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("hvcall: read args at 0x%x: %w", gpa, err)
	}
	return nil
}

// WriteArgs encodes v little-endian and writes it back into guest memory at
// gpa.
func (r *Registry) WriteArgs(gpa uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("hvcall: encode args: %w", err)
	}
	if _, err := r.vm.WriteAt(buf.Bytes(), int64(gpa)); err != nil {
		return fmt.Errorf("hvcall: write args at 0x%x: %w", gpa, err)
	}
	return nil
}

// ReadBuffer copies length bytes of guest memory starting at gpa.
func (r *Registry) ReadBuffer(gpa, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(r.vm, int64(gpa), int64(length)), buf); err != nil {
		return nil, fmt.Errorf("hvcall: read buffer at 0x%x: %w", gpa, err)
	}
	return buf, nil
}

// WriteBuffer copies p into guest memory at gpa.
func (r *Registry) WriteBuffer(gpa uint64, p []byte) error {
	n, err := r.vm.WriteAt(p, int64(gpa))
	if err != nil {
		return fmt.Errorf("hvcall: write buffer at 0x%x: %w", gpa, err)
	}
	if n != len(p) {
		return fmt.Errorf("hvcall: short write at 0x%x: %d of %d bytes", gpa, n, len(p))
	}
	return nil
}

var (
	_ hv.X86IOPortDevice = &Registry{}
)

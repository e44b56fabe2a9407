package tender

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/tender/internal/guest"
	"github.com/tinyrange/tender/internal/hv"
	"github.com/tinyrange/tender/internal/hvcall"
	"github.com/tinyrange/tender/internal/mft"
	"github.com/tinyrange/tender/internal/module"
)

// fakeVCPU runs a scripted sequence of exit results.
type fakeVCPU struct {
	vm     *fakeVM
	script []error

	longMode bool
	regs     map[hv.Register]hv.RegisterValue
}

func (v *fakeVCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *fakeVCPU) ID() int                           { return 0 }

func (v *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if v.regs == nil {
		v.regs = make(map[hv.Register]hv.RegisterValue)
	}
	for r, val := range regs {
		v.regs[r] = val
	}
	return nil
}

func (v *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for r := range regs {
		regs[r] = v.regs[r]
	}
	return nil
}

func (v *fakeVCPU) SetLongMode(pagingBase uint64, addrSpaceGiB int) error {
	v.longMode = true
	// Mark the page table region so tests catch later writes trampling
	// it.
	end := pagingEnd(addrSpaceGiB)
	if end > uint64(len(v.vm.mem)) {
		end = uint64(len(v.vm.mem))
	}
	for i := pagingBase; i < end; i++ {
		v.vm.mem[i] = 0xAA
	}
	return nil
}

func (v *fakeVCPU) Run(ctx context.Context) error {
	if len(v.script) == 0 {
		return errors.New("fake vcpu script exhausted")
	}
	err := v.script[0]
	v.script = v.script[1:]
	return err
}

type fakeVM struct {
	mem     []byte
	vcpu    *fakeVCPU
	devices []hv.Device
	closed  bool
	ran     bool
}

func (m *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (m *fakeVM) Close() error              { m.closed = true; return nil }
func (m *fakeVM) Hypervisor() hv.Hypervisor { return nil }
func (m *fakeVM) MemorySize() uint64        { return uint64(len(m.mem)) }
func (m *fakeVM) MemoryBase() uint64        { return 0 }

func (m *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	m.ran = true
	return cfg.Run(ctx, m.vcpu)
}

func (m *fakeVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return f(m.vcpu)
}

func (m *fakeVM) AddDevice(dev hv.Device) error {
	m.devices = append(m.devices, dev)
	return nil
}

type fakeHypervisor struct {
	vm      *fakeVM
	reqSize uint64

	// memCap bounds the backing slice so tests can ask for huge guest
	// sizes without allocating them.
	memCap uint64
}

func (h *fakeHypervisor) Close() error                     { return nil }
func (h *fakeHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *fakeHypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	h.reqSize = cfg.MemorySize()
	size := h.reqSize
	if h.memCap != 0 && size > h.memCap {
		size = h.memCap
	}
	h.vm = &fakeVM{mem: make([]byte, size)}
	h.vm.vcpu = &fakeVCPU{vm: h.vm, script: []error{&hvcall.HaltError{Status: 0}}}
	return h.vm, nil
}

// attachModule claims every manifest entry of its type during setup.
type attachModule struct {
	name     string
	devType  mft.DeviceType
	setupErr error
	memHook  uint64
	ran      *[]string
}

func (m *attachModule) Name() string { return m.name }

func (m *attachModule) Setup(env *module.Env, manifest *mft.Manifest) error {
	if m.ran != nil {
		*m.ran = append(*m.ran, m.name)
	}
	if m.setupErr != nil {
		return m.setupErr
	}
	for i := range manifest.Entries {
		if manifest.Entries[i].Type == m.devType {
			manifest.Entries[i].Attached = true
		}
	}
	return nil
}

func (m *attachModule) SupportsCmdarg() *module.CmdargHandler { return nil }
func (m *attachModule) SupportsUsage() *module.UsageInfo      { return nil }

func (m *attachModule) SupportsMemOverride() *module.MemOverride {
	if m.memHook == 0 {
		return nil
	}
	return &module.MemOverride{MemSize: func() uint64 { return m.memHook }}
}

type bootFixture struct {
	hv     *fakeHypervisor
	orch   *Orchestrator
	states []State
	closed bool
}

func newBootFixture(t *testing.T, cfg Config) *bootFixture {
	t.Helper()

	f := &bootFixture{hv: &fakeHypervisor{}}
	cfg.Hypervisor = f.hv
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.CloseKernel == nil {
		cfg.CloseKernel = func() error { f.closed = true; return nil }
	}
	if cfg.Registry == nil {
		reg, err := module.NewRegistry()
		if err != nil {
			t.Fatal(err)
		}
		cfg.Registry = reg
	}
	if cfg.Manifest == nil {
		cfg.Manifest = &mft.Manifest{}
	}

	f.orch = New(cfg)
	f.orch.trace = func(s State) { f.states = append(f.states, s) }
	f.orch.loadGuest = func(r io.ReaderAt, mem io.WriterAt, base, size uint64) (*guest.Info, error) {
		return &guest.Info{Entry: 0x100000, End: 0x102000}, nil
	}
	f.orch.dropPriv = func(*slog.Logger) error { return nil }
	return f
}

func registry(t *testing.T, mods ...module.Module) *module.Registry {
	t.Helper()
	r, err := module.NewRegistry(mods...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBootSequence(t *testing.T) {
	manifest := &mft.Manifest{Entries: []mft.Entry{
		{Name: "net0", Type: mft.DevNetBasic},
	}}
	f := newBootFixture(t, Config{
		Registry:  registry(t, &attachModule{name: "net", devType: mft.DevNetBasic}),
		Manifest:  manifest,
		GuestArgs: []string{"console=1", "quiet"},
	})

	status, err := f.orch.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d", status)
	}

	want := []State{
		StateResolveMemorySize,
		StateInitAddressSpace,
		StateLoadGuest,
		StateInitVCPU,
		StateModuleSetup,
		StateBuildBootInfo,
		StateDropPrivileges,
		StateExecutionLoop,
	}
	if !reflect.DeepEqual(f.states, want) {
		t.Errorf("state order %v, want %v", f.states, want)
	}

	if !f.closed {
		t.Error("kernel file never closed")
	}
	if !f.hv.vm.vcpu.longMode {
		t.Error("vcpu never put in long mode")
	}
	if rip := f.hv.vm.vcpu.regs[hv.RegisterAMD64Rip]; rip != hv.Register64(0x100000) {
		t.Errorf("RIP = %v, want the entry point", rip)
	}
	if rdi := f.hv.vm.vcpu.regs[hv.RegisterAMD64Rdi]; rdi != hv.Register64(f.orch.bootInfoBase) {
		t.Errorf("RDI = %v, want the boot info address 0x%x", rdi, f.orch.bootInfoBase)
	}
}

func TestBootInfoContents(t *testing.T) {
	manifest := &mft.Manifest{Entries: []mft.Entry{
		{Name: "disk0", Type: mft.DevBlockBasic},
	}}
	f := newBootFixture(t, Config{
		Registry:  registry(t, &attachModule{name: "blk", devType: mft.DevBlockBasic}),
		Manifest:  manifest,
		GuestArgs: []string{"console=1", "quiet"},
	})

	if _, err := f.orch.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	mem := f.hv.vm.mem
	var info bootInfo
	if err := binary.Read(bytes.NewReader(mem[f.orch.bootInfoBase:]), binary.LittleEndian, &info); err != nil {
		t.Fatal(err)
	}

	if info.MemSize != uint64(len(mem)) {
		t.Errorf("MemSize = %d, want %d", info.MemSize, len(mem))
	}
	if info.KernelEnd != 0x102000 {
		t.Errorf("KernelEnd = 0x%x", info.KernelEnd)
	}

	cmdline := string(mem[info.CmdlineGPA : info.CmdlineGPA+info.CmdlineLen])
	if cmdline != "console=1 quiet" {
		t.Errorf("cmdline = %q", cmdline)
	}
	if mem[info.CmdlineGPA+info.CmdlineLen] != 0 {
		t.Error("cmdline is not NUL-terminated")
	}

	wire := mem[info.ManifestGPA : info.ManifestGPA+info.ManifestLen]
	if !bytes.Equal(wire, manifest.Encode()) {
		t.Error("boot info manifest differs from the post-setup manifest")
	}
	if !manifest.Entries[0].Attached {
		t.Fatal("setup never attached the device")
	}
}

func TestBootInfoAbovePageTables(t *testing.T) {
	// 14 GiB of address space needs page directories past 0x10000. The
	// boot info region has to sit above them; writing it must leave every
	// table byte intact.
	f := newBootFixture(t, Config{MemSize: 14 << 30})
	f.hv.memCap = 1 << 20

	if _, err := f.orch.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	tableEnd := pagingEnd(14)
	if f.orch.bootInfoBase < tableEnd {
		t.Errorf("boot info at 0x%x overlaps page tables ending at 0x%x",
			f.orch.bootInfoBase, tableEnd)
	}
	for i := uint64(pagingBase); i < tableEnd; i++ {
		if f.hv.vm.mem[i] != 0xAA {
			t.Fatalf("page table byte at 0x%x clobbered after boot", i)
		}
	}
	if end := f.orch.bootInfoBase + manifestOff + mft.MaxWireSize; end > GuestMinLoadAddr {
		t.Errorf("boot info region ends at 0x%x, past the load address 0x%x",
			end, uint64(GuestMinLoadAddr))
	}
}

func TestOversizedMemoryRejected(t *testing.T) {
	// 512 GiB of page tables cannot fit below the guest load address.
	f := newBootFixture(t, Config{MemSize: 512 << 30})

	if _, err := f.orch.Boot(context.Background()); err == nil {
		t.Fatal("Boot should reject a size whose page tables reach the guest image")
	}
	if f.hv.vm != nil {
		t.Error("address space created despite the layout failure")
	}
}

func TestUnattachedDevicesAbort(t *testing.T) {
	// Two declared devices, nothing attaches them: the failure must name
	// both and the execution loop must never run.
	manifest := &mft.Manifest{Entries: []mft.Entry{
		{Name: "net0", Type: mft.DevNetBasic},
		{Name: "disk0", Type: mft.DevBlockBasic},
		{Name: "meta", Type: mft.ReservedFirst},
	}}
	f := newBootFixture(t, Config{Manifest: manifest})

	_, err := f.orch.Boot(context.Background())
	if err == nil {
		t.Fatal("Boot should fail with unattached devices")
	}
	for _, name := range []string{"net0", "disk0"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %q", err, name)
		}
	}
	if strings.Contains(err.Error(), "meta") {
		t.Errorf("error %q names the reserved entry", err)
	}

	if f.hv.vm.ran {
		t.Error("execution loop ran despite unattached devices")
	}
	for _, s := range f.states {
		if s == StateBuildBootInfo || s == StateExecutionLoop {
			t.Errorf("reached %s despite unattached devices", s)
		}
	}
}

func TestSetupFailureIsFatal(t *testing.T) {
	boom := errors.New("backing file missing")
	var ran []string
	f := newBootFixture(t, Config{
		Registry: registry(t,
			&attachModule{name: "a", ran: &ran},
			&attachModule{name: "b", ran: &ran, setupErr: boom},
			&attachModule{name: "c", ran: &ran},
		),
	})

	_, err := f.orch.Boot(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Boot err = %v, want the module's failure", err)
	}
	var se *module.SetupError
	if !errors.As(err, &se) || se.Module != "b" {
		t.Errorf("failure should identify module b, got %v", err)
	}
	if strings.Join(ran, " ") != "a b" {
		t.Errorf("modules ran: %v", ran)
	}
	if f.hv.vm.ran {
		t.Error("execution loop ran despite setup failure")
	}
}

func TestMemResolution(t *testing.T) {
	const mib = 1 << 20

	for _, tc := range []struct {
		name    string
		cliSize uint64
		memHook uint64
		want    uint64
	}{
		{"default", 0, 0, 512 * mib},
		{"cli override", 64 * mib, 0, 64 * mib},
		{"module hook beats cli", 64 * mib, 1024 * mib, 1024 * mib},
		{"rounded to large page", 3 * mib, 0, 4 * mib},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newBootFixture(t, Config{
				Registry: registry(t, &attachModule{name: "m", memHook: tc.memHook}),
				MemSize:  tc.cliSize,
			})
			if _, err := f.orch.Boot(context.Background()); err != nil {
				t.Fatal(err)
			}
			if f.hv.reqSize != tc.want {
				t.Errorf("requested %d bytes, want %d", f.hv.reqSize, tc.want)
			}
		})
	}
}

func TestGuestExitStatus(t *testing.T) {
	f := newBootFixture(t, Config{})

	// nil exits are handled in-loop; the halt carries the status.
	f.orch.loadGuest = func(r io.ReaderAt, mem io.WriterAt, base, size uint64) (*guest.Info, error) {
		f.hv.vm.vcpu.script = []error{nil, nil, &hvcall.HaltError{Status: 7}}
		return &guest.Info{Entry: 0x100000, End: 0x102000}, nil
	}

	status, err := f.orch.Boot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != 7 {
		t.Errorf("status = %d, want 7", status)
	}
}

func TestPlainHaltExitsZero(t *testing.T) {
	f := newBootFixture(t, Config{})
	f.orch.loadGuest = func(r io.ReaderAt, mem io.WriterAt, base, size uint64) (*guest.Info, error) {
		f.hv.vm.vcpu.script = []error{hv.ErrVMHalted}
		return &guest.Info{Entry: 0x100000, End: 0x102000}, nil
	}

	status, err := f.orch.Boot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != 0 {
		t.Errorf("status = %d", status)
	}
}

func TestCoreHypercalls(t *testing.T) {
	f := newBootFixture(t, Config{})
	var console bytes.Buffer
	f.orch.console = &console

	if _, err := f.orch.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := f.orch.calls

	t.Run("walltime", func(t *testing.T) {
		const gpa = 0x3000
		if err := f.orch.handleWalltime(gpa); err != nil {
			t.Fatal(err)
		}
		var args walltimeArgs
		if err := calls.ReadArgs(gpa, &args); err != nil {
			t.Fatal(err)
		}
		if args.Nsecs == 0 {
			t.Error("walltime wrote nothing")
		}
	})

	t.Run("puts", func(t *testing.T) {
		const gpa, buf = 0x3000, 0x4000
		if err := calls.WriteBuffer(buf, []byte("hello\n")); err != nil {
			t.Fatal(err)
		}
		if err := calls.WriteArgs(gpa, &putsArgs{Data: buf, Len: 6}); err != nil {
			t.Fatal(err)
		}
		if err := f.orch.handlePuts(gpa); err != nil {
			t.Fatal(err)
		}
		if console.String() != "hello\n" {
			t.Errorf("console got %q", console.String())
		}
	})

	t.Run("halt", func(t *testing.T) {
		const gpa = 0x3000
		if err := calls.WriteArgs(gpa, &haltArgs{Status: 3}); err != nil {
			t.Fatal(err)
		}
		err := f.orch.handleHalt(gpa)
		var halt *hvcall.HaltError
		if !errors.As(err, &halt) || halt.Status != 3 {
			t.Errorf("halt returned %v", err)
		}
	})
}

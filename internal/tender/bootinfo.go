package tender

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// bootInfo is the structure the guest finds at the boot info base (its
// address is passed in RDI). All fields little-endian.
type bootInfo struct {
	MemSize     uint64 // guest memory size in bytes
	KernelEnd   uint64 // first address past the loaded image
	CmdlineGPA  uint64 // NUL-terminated guest command line
	CmdlineLen  uint64 // length excluding the NUL
	ManifestGPA uint64 // manifest in its wire encoding
	ManifestLen uint64
}

const maxCmdlineLen = manifestOff - cmdlineOff - 1

// writeBootInfo is the last privileged write into guest memory before
// handoff: the boot info struct, the guest command line and the
// post-setup manifest, so the guest can discover its attached devices.
func (o *Orchestrator) writeBootInfo() error {
	cmdline := strings.Join(o.cfg.GuestArgs, " ")
	if len(cmdline) > maxCmdlineLen {
		return fmt.Errorf("guest command line of %d bytes exceeds %d", len(cmdline), maxCmdlineLen)
	}

	wire := o.cfg.Manifest.Encode()

	info := bootInfo{
		MemSize:     o.memSize,
		KernelEnd:   o.loadInfo.End,
		CmdlineGPA:  o.bootInfoBase + cmdlineOff,
		CmdlineLen:  uint64(len(cmdline)),
		ManifestGPA: o.bootInfoBase + manifestOff,
		ManifestLen: uint64(len(wire)),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &info); err != nil {
		return err
	}
	if _, err := o.vm.WriteAt(buf.Bytes(), int64(o.bootInfoBase)); err != nil {
		return err
	}
	if _, err := o.vm.WriteAt(append([]byte(cmdline), 0), int64(info.CmdlineGPA)); err != nil {
		return err
	}
	if _, err := o.vm.WriteAt(wire, int64(info.ManifestGPA)); err != nil {
		return err
	}
	return nil
}

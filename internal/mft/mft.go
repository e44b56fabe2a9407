// Package mft implements the device manifest embedded in guest binaries.
//
// The manifest is a fixed-layout, little-endian record the guest build
// embeds in an ELF note. It declares every device the guest expects the
// tender to provide. The tender validates the record structurally before
// any module is allowed to see it, and checks after module setup that
// every declared device was attached.
package mft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only manifest ABI version this tender understands.
const Version = 1

const (
	// MaxEntries bounds the number of devices a guest may declare.
	MaxEntries = 64

	// NameSize is the fixed on-wire size of an entry name, including the
	// terminating NUL.
	NameSize = 64

	headerSize = 8  // version u32, entries u32
	entrySize  = 80 // name [64]byte, type u32, attached u32, host data u64

	// MaxWireSize is the largest well-formed manifest encoding.
	MaxWireSize = headerSize + MaxEntries*entrySize
)

// DeviceType tags a manifest entry with the kind of device it declares.
type DeviceType uint32

const (
	DevBlockBasic DeviceType = 1
	DevNetBasic   DeviceType = 2

	// ReservedFirst is the start of the reserved type range. Entries with a
	// type at or above this value are internal slots exempt from the
	// attachment requirement.
	ReservedFirst DeviceType = 1 << 30
)

// String returns the human-readable name of the device type.
func (t DeviceType) String() string {
	switch t {
	case DevBlockBasic:
		return "BLOCK_BASIC"
	case DevNetBasic:
		return "NET_BASIC"
	default:
		if t >= ReservedFirst {
			return "RESERVED"
		}
		return fmt.Sprintf("DeviceType(%d)", uint32(t))
	}
}

// Reserved reports whether the type is in the reserved range.
func (t DeviceType) Reserved() bool { return t >= ReservedFirst }

// Entry is a single declared device. Attached is mutated by exactly one
// module during setup; HostData is an opaque per-device value (the block
// module stores the device capacity there) carried into the guest copy of
// the manifest.
type Entry struct {
	Name     string
	Type     DeviceType
	Attached bool
	HostData uint64
}

// Manifest is a validated device manifest. It is created only by Validate.
type Manifest struct {
	Entries []Entry
}

// ErrNoManifest is returned by callers that locate the manifest record when
// the guest binary does not carry one at all. It is distinct from the
// structural validation errors below.
var ErrNoManifest = errors.New("no device manifest found")

// Validate parses and structurally checks a raw manifest blob. Every length
// and count field inside the blob is treated as untrusted. On success the
// returned Manifest is independent of raw.
func Validate(raw []byte) (*Manifest, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("manifest too short: %d bytes", len(raw))
	}

	version := binary.LittleEndian.Uint32(raw[0:4])
	if version != Version {
		return nil, fmt.Errorf("unsupported manifest version %d (want %d)", version, Version)
	}

	count := binary.LittleEndian.Uint32(raw[4:8])
	if count > MaxEntries {
		return nil, fmt.Errorf("manifest declares %d entries, maximum is %d", count, MaxEntries)
	}

	// The declared entry count must match the buffer size exactly. A short
	// buffer would make the loop below read past the blob; a long one means
	// the guest embedded trailing garbage.
	want := headerSize + int(count)*entrySize
	if len(raw) != want {
		return nil, fmt.Errorf("manifest size %d does not match %d declared entries (want %d)",
			len(raw), count, want)
	}

	m := &Manifest{Entries: make([]Entry, 0, count)}
	seen := make(map[string]bool, count)

	for i := 0; i < int(count); i++ {
		off := headerSize + i*entrySize
		rec := raw[off : off+entrySize]

		nul := bytes.IndexByte(rec[:NameSize], 0)
		if nul < 0 {
			return nil, fmt.Errorf("entry %d: name is not NUL-terminated", i)
		}
		name := string(rec[:nul])

		typ := DeviceType(binary.LittleEndian.Uint32(rec[NameSize : NameSize+4]))
		switch {
		case typ.Reserved():
			// Reserved slots carry no name requirements.
		case typ == DevBlockBasic || typ == DevNetBasic:
			if name == "" {
				return nil, fmt.Errorf("entry %d: empty name for type %s", i, typ)
			}
			if seen[name] {
				return nil, fmt.Errorf("entry %d: duplicate name %q", i, name)
			}
			seen[name] = true
		default:
			return nil, fmt.Errorf("entry %d: unknown device type %d", i, uint32(typ))
		}

		if attached := binary.LittleEndian.Uint32(rec[NameSize+4 : NameSize+8]); attached != 0 {
			return nil, fmt.Errorf("entry %d: attached flag set in embedded manifest", i)
		}

		m.Entries = append(m.Entries, Entry{Name: name, Type: typ})
	}

	return m, nil
}

// Lookup finds the entry with the given name and type. The returned index
// doubles as the guest-visible device handle.
func (m *Manifest) Lookup(name string, typ DeviceType) (*Entry, int, error) {
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Type == typ && e.Name == name {
			return e, i, nil
		}
	}
	return nil, 0, fmt.Errorf("no entry %q of type %s in manifest", name, typ)
}

// Unattached returns every non-reserved entry whose device was not attached
// by any module. Callers report all of them at once rather than failing on
// the first.
func (m *Manifest) Unattached() []Entry {
	var missing []Entry
	for _, e := range m.Entries {
		if e.Type.Reserved() {
			continue
		}
		if !e.Attached {
			missing = append(missing, e)
		}
	}
	return missing
}

// Encode serializes the manifest in the wire layout, including attachment
// state and host data. This is the form written into guest memory as part
// of the boot info.
func (m *Manifest) Encode() []byte {
	out := make([]byte, headerSize+len(m.Entries)*entrySize)
	binary.LittleEndian.PutUint32(out[0:4], Version)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(m.Entries)))

	for i, e := range m.Entries {
		rec := out[headerSize+i*entrySize:]
		copy(rec[:NameSize-1], e.Name)
		binary.LittleEndian.PutUint32(rec[NameSize:], uint32(e.Type))
		if e.Attached {
			binary.LittleEndian.PutUint32(rec[NameSize+4:], 1)
		}
		binary.LittleEndian.PutUint64(rec[NameSize+8:], e.HostData)
	}
	return out
}

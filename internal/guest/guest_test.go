package guest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/tender/internal/mft"
)

const (
	ehdrSize = 64
	phdrSize = 56
)

type segment struct {
	typ    uint32
	paddr  uint64
	memsz  uint64 // 0 means len(data)
	data   []byte
	filesz *uint64 // override, for corrupt images
}

// buildELF assembles a minimal ELF64 x86_64 executable from segments. Data
// is laid out immediately after the program headers in order.
func buildELF(t *testing.T, entry uint64, segs []segment) []byte {
	t.Helper()

	le := binary.LittleEndian
	dataOff := uint64(ehdrSize + phdrSize*len(segs))

	var buf bytes.Buffer

	// ELF header
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, le, uint16(2))  // e_type: ET_EXEC
	binary.Write(&buf, le, uint16(62)) // e_machine: EM_X86_64
	binary.Write(&buf, le, uint32(1))  // e_version
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(ehdrSize)) // e_phoff
	binary.Write(&buf, le, uint64(0))        // e_shoff
	binary.Write(&buf, le, uint32(0))        // e_flags
	binary.Write(&buf, le, uint16(ehdrSize))
	binary.Write(&buf, le, uint16(phdrSize))
	binary.Write(&buf, le, uint16(len(segs)))
	binary.Write(&buf, le, uint16(0)) // e_shentsize
	binary.Write(&buf, le, uint16(0)) // e_shnum
	binary.Write(&buf, le, uint16(0)) // e_shstrndx

	off := dataOff
	for _, s := range segs {
		filesz := uint64(len(s.data))
		if s.filesz != nil {
			filesz = *s.filesz
		}
		memsz := s.memsz
		if memsz == 0 {
			memsz = uint64(len(s.data))
		}
		binary.Write(&buf, le, s.typ)
		binary.Write(&buf, le, uint32(7)) // p_flags: rwx
		binary.Write(&buf, le, off)       // p_offset
		binary.Write(&buf, le, s.paddr)   // p_vaddr
		binary.Write(&buf, le, s.paddr)
		binary.Write(&buf, le, filesz)
		binary.Write(&buf, le, memsz)
		binary.Write(&buf, le, uint64(0x1000)) // p_align
		off += uint64(len(s.data))
	}

	for _, s := range segs {
		buf.Write(s.data)
	}

	return buf.Bytes()
}

// buildNote encodes one ELF note entry.
func buildNote(name string, typ uint32, desc []byte) []byte {
	le := binary.LittleEndian
	var buf bytes.Buffer
	binary.Write(&buf, le, uint32(len(name)+1)) // namesz includes NUL
	binary.Write(&buf, le, uint32(len(desc)))
	binary.Write(&buf, le, typ)
	buf.WriteString(name)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func manifestWire(t *testing.T) []byte {
	t.Helper()
	m := &mft.Manifest{Entries: []mft.Entry{
		{Name: "disk0", Type: mft.DevBlockBasic},
	}}
	return m.Encode()
}

const (
	ptLoad = 1
	ptNote = 4
)

func TestLoadNote(t *testing.T) {
	wire := manifestWire(t)

	img := buildELF(t, 0x100000, []segment{
		{typ: ptNote, data: buildNote(noteName, noteTypeManifest, wire)},
		{typ: ptLoad, paddr: 0x100000, data: []byte{0xf4}},
	})

	got, err := LoadNote(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadNote: %v", err)
	}
	if !bytes.Equal(got, wire) {
		t.Error("returned descriptor differs from the embedded manifest")
	}
	if _, err := mft.Validate(got); err != nil {
		t.Errorf("embedded manifest does not validate: %v", err)
	}
}

func TestLoadNoteSkipsForeignNotes(t *testing.T) {
	wire := manifestWire(t)

	noteSeg := append(buildNote("GNU", 3, []byte{1, 2, 3, 4}),
		buildNote(noteName, noteTypeManifest, wire)...)
	img := buildELF(t, 0x100000, []segment{
		{typ: ptNote, data: noteSeg},
		{typ: ptLoad, paddr: 0x100000, data: []byte{0xf4}},
	})

	got, err := LoadNote(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadNote: %v", err)
	}
	if !bytes.Equal(got, wire) {
		t.Error("wrong note descriptor returned")
	}
}

func TestLoadNoteAbsent(t *testing.T) {
	for _, tc := range []struct {
		name string
		seg  segment
	}{
		{"no note segment", segment{typ: ptLoad, paddr: 0x100000, data: []byte{0xf4}}},
		{"wrong owner", segment{typ: ptNote, data: buildNote("other", noteTypeManifest, []byte{1})}},
		{"wrong type", segment{typ: ptNote, data: buildNote(noteName, 99, []byte{1})}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := buildELF(t, 0x100000, []segment{tc.seg})
			_, err := LoadNote(bytes.NewReader(img))
			if !errors.Is(err, mft.ErrNoManifest) {
				t.Errorf("err = %v, want ErrNoManifest", err)
			}
		})
	}
}

func TestLoadNoteNotELF(t *testing.T) {
	_, err := LoadNote(bytes.NewReader([]byte("definitely not an ELF image")))
	if !errors.Is(err, ErrNotELF) {
		t.Errorf("err = %v, want ErrNotELF", err)
	}
}

func TestLoadNoteOverlongManifest(t *testing.T) {
	// A manifest note claiming more bytes than any valid manifest is
	// malformed, not merely absent.
	img := buildELF(t, 0x100000, []segment{
		{typ: ptNote, data: buildNote(noteName, noteTypeManifest, make([]byte, mft.MaxWireSize+4))},
	})
	_, err := LoadNote(bytes.NewReader(img))
	if err == nil || errors.Is(err, mft.ErrNoManifest) {
		t.Errorf("err = %v, want a malformed-note error", err)
	}
}

// sliceMem adapts a byte slice to io.WriterAt at guest-physical offsets.
type sliceMem struct {
	base uint64
	mem  []byte
}

func (m *sliceMem) WriteAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	n := copy(m.mem[start:], p)
	return n, nil
}

func TestLoad(t *testing.T) {
	code := []byte{0x48, 0x31, 0xc0, 0xf4} // xor rax,rax; hlt
	img := buildELF(t, 0x100004, []segment{
		{typ: ptNote, data: buildNote(noteName, noteTypeManifest, manifestWire(t))},
		{typ: ptLoad, paddr: 0x100000, data: code, memsz: 0x2010},
	})

	mem := &sliceMem{base: 0, mem: make([]byte, 1<<20+0x10000)}
	info, err := Load(bytes.NewReader(img), mem, 0, uint64(len(mem.mem)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.Entry != 0x100004 {
		t.Errorf("Entry = 0x%x, want 0x100004", info.Entry)
	}
	if want := uint64(0x100000+0x2010+0xFFF) &^ 0xFFF; info.End != want {
		t.Errorf("End = 0x%x, want 0x%x", info.End, want)
	}
	if !bytes.Equal(mem.mem[0x100000:0x100004], code) {
		t.Error("segment bytes not copied into guest memory")
	}
}

func TestLoadSegmentOutOfBounds(t *testing.T) {
	img := buildELF(t, 0x100000, []segment{
		{typ: ptLoad, paddr: 0x100000, data: []byte{0xf4}, memsz: 1 << 30},
	})

	mem := &sliceMem{mem: make([]byte, 1<<21)}
	if _, err := Load(bytes.NewReader(img), mem, 0, uint64(len(mem.mem))); err == nil {
		t.Error("segment past the end of guest memory should fail")
	}
}

func TestLoadEntryOutOfBounds(t *testing.T) {
	img := buildELF(t, 1<<40, []segment{
		{typ: ptLoad, paddr: 0x100000, data: []byte{0xf4}},
	})

	mem := &sliceMem{mem: make([]byte, 1<<21)}
	if _, err := Load(bytes.NewReader(img), mem, 0, uint64(len(mem.mem))); err == nil {
		t.Error("entry point outside guest memory should fail")
	}
}

func TestLoadNoSegments(t *testing.T) {
	img := buildELF(t, 0x100000, []segment{
		{typ: ptNote, data: buildNote(noteName, noteTypeManifest, manifestWire(t))},
	})

	mem := &sliceMem{mem: make([]byte, 1<<21)}
	if _, err := Load(bytes.NewReader(img), mem, 0, uint64(len(mem.mem))); err == nil {
		t.Error("image with no PT_LOAD segments should fail")
	}
}

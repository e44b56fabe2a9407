// Package guest loads unikernel ELF images: the device manifest embedded in
// a PT_NOTE segment and the loadable segments themselves.
package guest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/tender/internal/mft"
)

// The manifest travels in an ELF note owned by the tender.
const (
	noteName         = "tender"
	noteTypeManifest = 0x5446444d // "MDFT"
)

// ErrNotELF means the image is not an ELF file at all.
var ErrNotELF = fmt.Errorf("not an ELF image")

// LoadNote extracts the raw device manifest from the image's PT_NOTE
// segments. A well-formed ELF with no manifest note returns
// mft.ErrNoManifest; a note that is present but malformed is a distinct
// error.
func LoadNote(r io.ReaderAt) ([]byte, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		raw, err := readNoteDesc(prog)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			return raw, nil
		}
	}
	return nil, mft.ErrNoManifest
}

// readNoteDesc walks the note entries in one PT_NOTE segment and returns
// the manifest note's descriptor, or nil if the segment holds none.
func readNoteDesc(prog *elf.Prog) ([]byte, error) {
	if prog.Filesz > 1<<20 {
		return nil, fmt.Errorf("PT_NOTE segment implausibly large (%d bytes)", prog.Filesz)
	}
	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil {
		return nil, fmt.Errorf("read PT_NOTE segment: %w", err)
	}

	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }

	for off := uint32(0); off+12 <= uint32(len(data)); {
		namesz := binary.LittleEndian.Uint32(data[off:])
		descsz := binary.LittleEndian.Uint32(data[off+4:])
		typ := binary.LittleEndian.Uint32(data[off+8:])
		off += 12

		if namesz > uint32(len(data))-off {
			return nil, fmt.Errorf("note name overruns segment")
		}
		name := string(data[off : off+namesz])
		// namesz counts the terminating NUL.
		if namesz > 0 && name[namesz-1] == 0 {
			name = name[:namesz-1]
		}
		off += align4(namesz)

		if descsz > uint32(len(data))-off {
			return nil, fmt.Errorf("note descriptor overruns segment")
		}

		if name == noteName && typ == noteTypeManifest {
			if descsz > mft.MaxWireSize {
				return nil, fmt.Errorf("manifest note too large (%d bytes)", descsz)
			}
			return data[off : off+descsz], nil
		}
		off += align4(descsz)
	}
	return nil, nil
}

// Info describes a loaded guest image.
type Info struct {
	// Entry is the ELF entry point.
	Entry uint64

	// End is the first guest-physical address past the loaded image,
	// rounded up to a page.
	End uint64
}

// Load copies the image's PT_LOAD segments into guest memory. memBase and
// memSize bound the guest-physical addresses a segment may occupy.
func Load(r io.ReaderAt, mem io.WriterAt, memBase, memSize uint64) (*Info, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported image: want 64-bit x86_64 ELF")
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("unsupported image: want a statically linked executable")
	}

	var end uint64
	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		paddr := prog.Paddr
		if paddr < memBase || prog.Memsz > memSize || paddr-memBase > memSize-prog.Memsz {
			return nil, fmt.Errorf("segment at 0x%x+0x%x outside guest memory", paddr, prog.Memsz)
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment at 0x%x: file size exceeds memory size", paddr)
		}

		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", paddr, err)
		}
		if _, err := mem.WriteAt(buf, int64(paddr)); err != nil {
			return nil, fmt.Errorf("load segment at 0x%x: %w", paddr, err)
		}
		// BSS (Memsz beyond Filesz) stays zero: guest memory starts
		// zeroed and each segment is loaded exactly once.

		if segEnd := paddr + prog.Memsz; segEnd > end {
			end = segEnd
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("image has no loadable segments")
	}

	entry := f.Entry
	if entry < memBase || entry >= memBase+memSize {
		return nil, fmt.Errorf("entry point 0x%x outside guest memory", entry)
	}

	const pageMask = 0xFFF
	return &Info{
		Entry: entry,
		End:   (end + pageMask) &^ pageMask,
	}, nil
}

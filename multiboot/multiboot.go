// Package multiboot decodes the boot information record a Multiboot1
// compliant loader leaves for the kernel: the flag word, the low/high
// conventional memory sizes, the memory map, and an optional linear
// framebuffer description. kernel.Boot reads it once at startup to
// seed the physical frame allocator and the virtual memory manager.
package multiboot

import (
	"fmt"

	"github.com/lesniakbj/bren-os-rewrite/addr"
)

// Magic is the value the bootloader leaves in EAX on entry; kernel.Boot
// refuses to proceed if it doesn't see this exact value, since anything
// else means Info was not populated by a Multiboot1 loader at all.
const Magic uint32 = 0x2BADB002

// flag bits within Info.Flags; only the ones this kernel reads are
// named. Bit 12 gates the framebuffer fields, mirroring the original
// CHECK_MULTIBOOT_FLAG(mbi->flags, 12) guard before trusting
// mbi->framebuffer_addr.
const (
	flagMem         = 1 << 0
	flagMMap        = 1 << 6
	flagFramebuffer = 1 << 12
)

// FramebufferType enumerates the MULTIBOOT_FRAMEBUFFER_TYPE_* values.
type FramebufferType uint8

const (
	FramebufferIndexed FramebufferType = 0
	FramebufferRGB     FramebufferType = 1
	FramebufferText    FramebufferType = 2
)

// Framebuffer describes the framebuffer the loader set up (Type tells
// indexed, linear-RGB and text apart), valid only when
// Info.HasFramebuffer reports true.
type Framebuffer struct {
	Addr   addr.Phys
	Pitch  uint32
	Width  uint32
	Height uint32
	Bpp    uint8
	Type   FramebufferType
}

// Info is the subset of the Multiboot1 information record this kernel
// consults. It is built once, in Parse, from the raw bytes the
// bootloader placed in memory; nothing here is read lazily from that
// memory afterward; so the kernel never touches boot-time scratch
// memory once paging is live and that range may be reused or unmapped.
type Info struct {
	Flags uint32

	// MemLowerKB and MemUpperKB are the conventional and extended
	// memory sizes in kilobytes, valid when flagMem is set.
	MemLowerKB uint32
	MemUpperKB uint32

	mmapAddr   addr.Phys
	mmapLength uint32

	fb    Framebuffer
	hasFB bool
}

// HasMemSizes reports whether MemLowerKB/MemUpperKB are valid.
func (i *Info) HasMemSizes() bool { return i.Flags&flagMem != 0 }

// HasMemoryMap reports whether the memory map is present.
func (i *Info) HasMemoryMap() bool { return i.Flags&flagMMap != 0 }

// HasFramebuffer reports whether Framebuffer is valid.
func (i *Info) HasFramebuffer() bool { return i.hasFB }

// Framebuffer returns the decoded framebuffer description. The second
// result is false if the loader didn't provide one.
func (i *Info) Framebuffer() (Framebuffer, bool) { return i.fb, i.hasFB }

// MemoryEntryType enumerates the type tag of a MMapEntry.
type MemoryEntryType uint32

const (
	MemAvailable       MemoryEntryType = 1
	MemReserved        MemoryEntryType = 2
	MemACPIReclaimable MemoryEntryType = 3
	MemNVS             MemoryEntryType = 4
	MemBadRAM          MemoryEntryType = 5
)

// MMapEntry is one record of the Multiboot1 memory map: a 64-bit base
// address and length plus a type tag, each entry preceded by its own
// size field.
type MMapEntry struct {
	Base addr.Phys
	Len  uint64
	Type MemoryEntryType
}

func (e MMapEntry) String() string {
	return fmt.Sprintf("[%s, %s) type=%d", e.Base, addr.Phys(uint64(e.Base)+e.Len), e.Type)
}

// Memory abstracts the raw memory access Parse and Entries need, so
// that both can be exercised in tests against a plain byte slice
// instead of real physical memory. kernel.Boot takes an implementation
// from its caller and parses the record through it; pfa.Init uses the
// same Info to lay out its
// bitmap without re-reading memory itself.
type Memory interface {
	U32(off addr.Phys) uint32
	U64(off addr.Phys) uint64
}

// Entries walks the memory map embedded in Info, calling visit once
// per entry. It stops early if visit returns false. The iteration
// follows the Multiboot1 convention exactly: each record is preceded
// by a size field that does not include itself, so the loop advances
// by entry.size + sizeof(entry.size) to reach the next one.
func (i *Info) Entries(mem Memory, visit func(MMapEntry) bool) {
	if !i.HasMemoryMap() {
		return
	}
	const sizeofSize = 4
	p := i.mmapAddr
	end := addr.Phys(uint64(i.mmapAddr) + uint64(i.mmapLength))
	for p < end {
		size := mem.U32(p)
		entry := MMapEntry{
			Base: addr.Phys(mem.U64(p + sizeofSize)),
			Len:  mem.U64(p + sizeofSize + 8),
			Type: MemoryEntryType(mem.U32(p + sizeofSize + 16)),
		}
		if !visit(entry) {
			return
		}
		p += addr.Phys(size + sizeofSize)
	}
}

// Parse decodes an Info record from a reader positioned at the start
// of the Multiboot1 information structure. Field offsets follow the
// layout the loader and kernel both assume: flags at 0, mem_lower at
// 4, mem_upper at 8, mmap_length at 44, mmap_addr at 48, framebuffer
// fields starting at 88.
func Parse(mem Memory, base addr.Phys) *Info {
	i := &Info{
		Flags:      mem.U32(base + 0),
		MemLowerKB: mem.U32(base + 4),
		MemUpperKB: mem.U32(base + 8),
		mmapLength: mem.U32(base + 44),
		mmapAddr:   addr.Phys(mem.U32(base + 48)),
	}
	if i.Flags&flagFramebuffer != 0 {
		i.hasFB = true
		i.fb = Framebuffer{
			Addr:   addr.Phys(mem.U64(base + 88)),
			Pitch:  mem.U32(base + 96),
			Width:  mem.U32(base + 100),
			Height: mem.U32(base + 104),
			Bpp:    uint8(mem.U32(base+108) & 0xff),
			Type:   FramebufferType(mem.U32(base+108) >> 8 & 0xff),
		}
	}
	return i
}

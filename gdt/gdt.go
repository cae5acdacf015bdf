// Package gdt builds the flat Global Descriptor Table this kernel
// runs under: a null descriptor, ring0 code/data, ring3 code/data, and
// a TSS descriptor used solely to carry ss0:esp0 across a ring3->ring0
// transition. Every segment but the TSS spans the full 4GiB address
// space, so segmentation does no translation work of its own; paging
// does all of it.
package gdt

import (
	"unsafe"

	"github.com/lesniakbj/bren-os-rewrite/cpu"
)

// Selector indices, matching entry order in original gdt_init: null,
// kernel code, kernel data, user code, user data, TSS.
const (
	SelNull       = 0
	SelKernelCode = 1
	SelKernelData = 2
	SelUserCode   = 3
	SelUserData   = 4
	SelTSS        = 5

	numEntries = 6
)

// access byte flags, named for the bits original gdt_init passes as
// magic numbers (0x9A, 0x92, 0xFA, 0xF2, 0x89).
const (
	accPresent  = 1 << 7
	accRing3    = 3 << 5
	accCodeData = 1 << 4
	accExec     = 1 << 3
	accRW       = 1 << 1 // readable (code) / writable (data)
	accTSS      = 0x9    // 32-bit available TSS type in a system descriptor

	granFlat = 0xC // 4KiB granularity + 32-bit default operand size
)

// entry is the 8-byte packed descriptor shape the CPU reads directly;
// field layout mirrors struct gdt_entry in the source this replaces
// (base split low/middle/high, limit split low/granularity-nibble).
type entry struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	granularity uint8
	baseHigh   uint8
}

func pack(base uint32, limit uint32, access, granularity uint8) entry {
	return entry{
		limitLow:    uint16(limit & 0xFFFF),
		baseLow:     uint16(base & 0xFFFF),
		baseMiddle:  uint8(base >> 16 & 0xFF),
		access:      access,
		granularity: granularity&0xF0 | uint8(limit>>16)&0x0F,
		baseHigh:    uint8(base >> 24 & 0xFF),
	}
}

// tss is the 32-bit Task State Segment layout, field-for-field matching
// struct tss_entry in the source this replaces. Hardware task switching
// is never used, so only ss0/esp0 are ever read by the CPU, on a
// ring3->ring0 transition; every other field exists only because ltr
// requires a structure of this exact size to point at.
type tss struct {
	prevTask              uint32
	esp0                  uint32
	ss0                   uint32
	esp1, ss1, esp2, ss2  uint32
	cr3, eip, eflags      uint32
	eax, ecx, edx, ebx    uint32
	esp, ebp, esi, edi    uint32
	es, cs, ss, ds, fs, gs uint32
	ldt                   uint32
	trap, iomapBase       uint16
}

// Table is the in-memory GDT, the TSS its SelTSS descriptor points at,
// and the descriptor register value derived from them. gdt owns the
// TSS's backing memory since nothing outside this package ever needs
// to address it directly; cpu.Arch.SetKernelStack is the sole way
// another package updates it (see sched.Table.Dispatch).
type Table struct {
	entries [numEntries]entry
	tss     tss
}

// Init builds the flat descriptor table plus a full-size TSS whose only
// non-zero field is ss0 (the kernel data selector), loads the GDT via
// arch, then loads the TSS selector.
func Init(arch cpu.Arch) *Table {
	t := &Table{}
	t.tss.ss0 = uint32(SelKernelData << 3)

	t.entries[SelNull] = entry{}
	t.entries[SelKernelCode] = pack(0, 0xFFFFFFFF, accPresent|accCodeData|accExec|accRW, granFlat)
	t.entries[SelKernelData] = pack(0, 0xFFFFFFFF, accPresent|accCodeData|accRW, granFlat)
	t.entries[SelUserCode] = pack(0, 0xFFFFFFFF, accPresent|accRing3|accCodeData|accExec|accRW, granFlat)
	t.entries[SelUserData] = pack(0, 0xFFFFFFFF, accPresent|accRing3|accCodeData|accRW, granFlat)

	tssBase := uint32(uintptr(unsafe.Pointer(&t.tss)))
	tssLimit := uint32(unsafe.Sizeof(t.tss) - 1)
	t.entries[SelTSS] = pack(tssBase, tssLimit, accPresent|accRing3|accTSS, 0)

	base := uintptr(unsafe.Pointer(&t.entries[0]))
	limit := uint16(unsafe.Sizeof(t.entries) - 1)
	arch.LoadGDT(base, limit)
	arch.LoadTSS(uint16(SelTSS << 3))
	return t
}

// Entries exposes the packed descriptors, e.g. so a fault dump can
// report the loaded selectors' raw bytes.
func (t *Table) Entries() [numEntries]entry { return t.entries }

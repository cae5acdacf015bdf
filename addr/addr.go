// Package addr defines the nominal physical and virtual address types
// shared by the frame allocator, the virtual memory manager, and the
// heap. The two types never implicitly convert into each other or into
// a bare integer, so a mismatched address can't silently slip past a
// function boundary the way raw pointer arithmetic can in the C
// original.
package addr

import "fmt"

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size in bytes of a single page/frame.
const PageSize = 1 << PageShift

// PageMask masks the offset bits within a page.
const PageMask = PageSize - 1

// dirShift is the bit position of the page-directory index within a
// virtual address; i386 uses a flat two-level 4KiB-page layout: 10
// bits of PDE index, 10 bits of PTE index, 12 bits of offset.
const (
	dirShift = 22
	tabShift = PageShift
	idxBits  = 10
	idxMask  = (1 << idxBits) - 1
)

// Phys is a physical address. It is backed by a bitmap frame in the
// PFA and, once mapped, is reachable through exactly one PTE per
// address space that maps it.
type Phys uintptr

// Virt is a virtual address, meaningful only relative to a particular
// AddressSpace.
type Virt uintptr

func (p Phys) String() string { return fmt.Sprintf("P0x%x", uintptr(p)) }
func (v Virt) String() string { return fmt.Sprintf("V0x%x", uintptr(v)) }

// Frame returns the frame index backing this physical address.
func (p Phys) Frame() uint32 { return uint32(p >> PageShift) }

// PageDown rounds p down to the start of its containing page.
func (p Phys) PageDown() Phys { return p &^ PageMask }

// Offset returns the byte offset of v within its page.
func (v Virt) Offset() uintptr { return uintptr(v) & PageMask }

// PageDown rounds v down to the start of its containing page.
func (v Virt) PageDown() Virt { return v &^ PageMask }

// PageUp rounds v up to the start of the next page, unless v is
// already page aligned.
func (v Virt) PageUp() Virt { return (v + PageMask) &^ PageMask }

// DirIndex returns the page-directory index (bits 22..31) for v.
func (v Virt) DirIndex() int { return int((uintptr(v) >> dirShift) & idxMask) }

// TabIndex returns the page-table index (bits 12..21) for v.
func (v Virt) TabIndex() int { return int((uintptr(v) >> tabShift) & idxMask) }

// FrameToPhys converts a frame index, as produced by the PFA's bitmap,
// into the physical address of the frame's first byte.
func FrameToPhys(frame uint32) Phys { return Phys(frame) << PageShift }

// PhysFrame returns the frame index backing p; an alias of p.Frame
// kept for call sites that read more naturally as a free function.
func PhysFrame(p Phys) uint32 { return p.Frame() }

// MakeVirt builds a virtual address from a directory index, table
// index and page offset, the inverse of DirIndex/TabIndex/Offset.
func MakeVirt(dir, tab int, off uintptr) Virt {
	return Virt(uintptr(dir&idxMask)<<dirShift | uintptr(tab&idxMask)<<tabShift | (off & PageMask))
}

// RoundupPages returns n rounded up to a whole number of pages.
func RoundupPages(n int) int {
	return (n + PageSize - 1) &^ PageMask
}

// RounddownPages returns n rounded down to a whole number of pages.
func RounddownPages(n int) int {
	return n &^ PageMask
}

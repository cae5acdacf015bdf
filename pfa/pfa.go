// Package pfa is the physical frame allocator: a bitmap of one bit per
// 4KiB frame, built from the Multiboot memory map at boot and
// thereafter offering constant-bookkeeping Alloc/Free. It is the sole
// source of physical memory for the virtual memory manager and the
// kernel heap's page-backing calls.
package pfa

import (
	"fmt"
	"sync"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/bitmap"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
)

// Allocator is a bitmap first-fit physical frame allocator, one bit
// per frame across the whole addressable range reported by the
// Multiboot memory map. A cleared bit means free.
//
// Unlike the C original, the bitmap's own backing storage does not
// need to be carved out of free physical memory by a placement
// allocator: Go's runtime heap already owns the storage Init needs, so
// there is no chicken-and-egg problem to solve here. Init still walks
// the memory map and reserves the kernel image's own frames exactly as
// the original does, since those frames are real and must not be
// handed out.
type Allocator struct {
	mu         sync.Mutex
	bits       *bitmap.Set
	used       uint32
	totalBytes uint64
}

// Stats summarizes the allocator's state, e.g. for a /proc-style
// diagnostic or a fatal-fault dump.
type Stats struct {
	TotalFrames uint32
	UsedFrames  uint32
	TotalBytes  uint64
}

// Init builds an Allocator covering every frame describable by info's
// memory map, starting all frames reserved and then clearing the
// available ranges, before re-reserving the frames occupied by the
// kernel image itself. kernelStart/kernelEnd bound the kernel image in
// physical memory, mirroring _kernel_start_phys/_kernel_end_phys in
// the source this replaces.
func Init(info *multiboot.Info, mem multiboot.Memory, kernelStart, kernelEnd addr.Phys) (*Allocator, error) {
	if !info.HasMemSizes() || !info.HasMemoryMap() {
		return nil, fmt.Errorf("pfa: multiboot info missing memory size or memory map flags")
	}

	memKB := uint64(info.MemLowerKB) + uint64(info.MemUpperKB)
	totalBytes := memKB * 1024
	maxFrames := uint32(totalBytes / addr.PageSize)

	a := &Allocator{
		bits:       bitmap.New(int(maxFrames)),
		totalBytes: totalBytes,
	}
	a.bits.SetAll()

	info.Entries(mem, func(e multiboot.MMapEntry) bool {
		if e.Type != multiboot.MemAvailable {
			return true
		}
		start := uint64(e.Base)
		end := start + e.Len
		if start < uint64(kernelEnd) {
			start = uint64(kernelEnd)
		}
		for p := start; p+addr.PageSize <= end; p += addr.PageSize {
			frame := uint32(p / addr.PageSize)
			if frame < maxFrames {
				a.bits.Clear(frame)
			}
		}
		return true
	})

	for f := kernelStart.Frame(); f <= kernelEnd.Frame() && f < maxFrames; f++ {
		a.bits.Set(f)
	}

	used := uint32(0)
	for f := uint32(0); f < maxFrames; f++ {
		if a.bits.Test(f) {
			used++
		}
	}
	a.used = used

	return a, nil
}

// Alloc reserves and returns one free frame, or defs.ENOMEM if none
// remain. Allocation is first-fit: the lowest-indexed clear bit wins,
// so repeated Alloc/Free cycles need not return the same frame twice
// in a row (PFA2).
func (a *Allocator) Alloc() (addr.Phys, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame, ok := a.bits.FindFirstClear()
	if !ok {
		return 0, defs.ENOMEM
	}
	a.bits.Set(frame)
	a.used++
	return addr.FrameToPhys(frame), 0
}

// Free releases a previously allocated frame. Freeing a frame that is
// already clear is a hard error (ErrDoubleFree) rather than a silent
// no-op, since double-free in the original would silently corrupt the
// used-block count.
func (a *Allocator) Free(p addr.Phys) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := p.Frame()
	if frame >= uint32(a.bits.Len()) {
		return defs.EINVAL
	}
	if !a.bits.Test(frame) {
		return defs.ErrDoubleFree
	}
	a.bits.Clear(frame)
	a.used--
	return 0
}

// Stats returns a snapshot of the allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalFrames: uint32(a.bits.Len()),
		UsedFrames:  a.used,
		TotalBytes:  a.totalBytes,
	}
}

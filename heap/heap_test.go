package heap

import (
	"encoding/binary"
	"testing"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
	"github.com/lesniakbj/bren-os-rewrite/vmm"
)

type byteMem []byte

func (m byteMem) U32(off addr.Phys) uint32 { return binary.LittleEndian.Uint32(m[off:]) }
func (m byteMem) U64(off addr.Phys) uint64 { return binary.LittleEndian.Uint64(m[off:]) }

func buildInfo(memTotalKB uint32) (*multiboot.Info, byteMem) {
	const mmapBase = 64
	b := make(byteMem, 256)
	binary.LittleEndian.PutUint32(b[0:], 1|1<<6)
	binary.LittleEndian.PutUint32(b[4:], 639)
	binary.LittleEndian.PutUint32(b[8:], memTotalKB-639)

	const entrySize = 20
	binary.LittleEndian.PutUint32(b[mmapBase:], entrySize)
	binary.LittleEndian.PutUint64(b[mmapBase+4:], 0)
	binary.LittleEndian.PutUint64(b[mmapBase+12:], uint64(memTotalKB)*1024)
	binary.LittleEndian.PutUint32(b[mmapBase+20:], uint32(multiboot.MemAvailable))

	binary.LittleEndian.PutUint32(b[44:], uint32(4+entrySize))
	binary.LittleEndian.PutUint32(b[48:], mmapBase)

	return multiboot.Parse(b, 0), b
}

func setup(t *testing.T, cfg Config) *Heap {
	t.Helper()
	info, mem := buildInfo(64 * 1024) // 64MB
	frames, err := pfa.Init(info, mem, 0x100000, 0x108000)
	if err != nil {
		t.Fatalf("pfa.Init: %v", err)
	}
	a := cpu.NewSimulated()
	mgr, as, err := vmm.Init(a, frames, info)
	if err != nil {
		t.Fatalf("vmm.Init: %v", err)
	}
	h, errc := Init(mgr, as, frames, addr.Virt(0xD0000000), MinHeapSize, cfg)
	if errc != 0 {
		t.Fatalf("heap.Init: %s", errc)
	}
	return h
}

func TestAllocReturnsMagicTaggedBlock(t *testing.T) {
	// HEAP2
	h := setup(t, Config{})

	ptr, errc := h.Alloc(32)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	hdr := h.readHeader(ptr - addr.Virt(headerSize))
	if hdr.magic != Magic {
		t.Fatalf("block magic = %#x, want %#x", hdr.magic, Magic)
	}
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	// HEAP1: after freeing everything, the list has no two adjacent
	// free blocks (it collapses to a single free span).
	h := setup(t, Config{})

	a, errc := h.Alloc(64)
	if errc != 0 {
		t.Fatalf("Alloc a: %s", errc)
	}
	b, errc := h.Alloc(64)
	if errc != 0 {
		t.Fatalf("Alloc b: %s", errc)
	}
	c, errc := h.Alloc(64)
	if errc != 0 {
		t.Fatalf("Alloc c: %s", errc)
	}

	if errc := h.Free(b); errc != 0 {
		t.Fatalf("Free b: %s", errc)
	}
	if errc := h.Free(a); errc != 0 {
		t.Fatalf("Free a: %s", errc)
	}
	if errc := h.Free(c); errc != 0 {
		t.Fatalf("Free c: %s", errc)
	}

	v := h.head
	count := 0
	for v != 0 {
		hdr := h.readHeader(v)
		if hdr.magic != Magic {
			t.Fatalf("corrupt header at %s", v)
		}
		if hdr.next != 0 {
			next := h.readHeader(hdr.next)
			if hdr.free && next.free && hdr.addr+addr.Virt(hdr.size) == next.addr {
				t.Fatalf("two adjacent free blocks survived coalescing: %s, %s", hdr.addr, next.addr)
			}
		}
		count++
		v = hdr.next
	}
	if count != 1 {
		t.Fatalf("expected a single coalesced block, got %d", count)
	}
}

func TestFreeRestoresCounters(t *testing.T) {
	// HEAP3
	h := setup(t, Config{})

	before := h.Stats()
	ptr, errc := h.Alloc(128)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	if errc := h.Free(ptr); errc != 0 {
		t.Fatalf("Free: %s", errc)
	}
	after := h.Stats()

	if before != after {
		t.Fatalf("Stats before alloc %+v != after free %+v", before, after)
	}
}

func TestReallocGrowthPreservesPayload(t *testing.T) {
	// HEAP4
	h := setup(t, Config{})

	ptr, errc := h.Alloc(16)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	copy(h.mem[h.off(ptr):], payload)

	grown, errc := h.Realloc(ptr, 256)
	if errc != 0 {
		t.Fatalf("Realloc: %s", errc)
	}
	got := h.mem[h.off(grown) : h.off(grown)+len(payload)]
	for i, want := range payload {
		if got[i] != want {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want)
		}
	}
}

func TestReallocShrinkKeepsSamePointer(t *testing.T) {
	h := setup(t, Config{})

	ptr, errc := h.Alloc(256)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	shrunk, errc := h.Realloc(ptr, 8)
	if errc != 0 {
		t.Fatalf("Realloc: %s", errc)
	}
	if shrunk != ptr {
		t.Fatalf("shrink returned a new pointer %s, want the original %s", shrunk, ptr)
	}
}

func TestAllocExpandsWhenNoBlockFits(t *testing.T) {
	h := setup(t, Config{})
	initial := h.Stats().Total

	ptr, errc := h.Alloc(h.size)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	if ptr == 0 {
		t.Fatalf("expected a valid pointer")
	}
	if h.Stats().Total <= initial {
		t.Fatalf("heap did not grow: total = %d, initial = %d", h.Stats().Total, initial)
	}
}

func TestFreeOfCorruptPointerReportsCorruption(t *testing.T) {
	var detail string
	h := setup(t, Config{OnCorruption: func(d string) { detail = d }})

	ptr, errc := h.Alloc(16)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	h.mem[h.off(ptr-addr.Virt(headerSize))] ^= 0xFF // stomp the magic

	if errc := h.Free(ptr); errc != defs.ErrHeapCorrupt {
		t.Fatalf("Free returned %s, want ErrHeapCorrupt", errc)
	}
	if detail == "" {
		t.Fatalf("expected OnCorruption to be invoked with a detail message")
	}
}

func TestFixedSplitThresholdConfig(t *testing.T) {
	// Q3: MinSplitBytes, when set, takes priority over SplitFraction.
	h := setup(t, Config{MinSplitBytes: 512})

	total := h.Stats().Total
	ptr, errc := h.Alloc(16)
	if errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}
	hdr := h.readHeader(ptr - addr.Virt(headerSize))
	if hdr.size >= total-128 {
		t.Fatalf("block was not split despite reclaimable space exceeding MinSplitBytes")
	}
}

func TestBlocksIteratesInAddressOrderAndStopsOnCorruption(t *testing.T) {
	h := setup(t, Config{})
	a, errc := h.Alloc(16)
	if errc != 0 {
		t.Fatalf("Alloc a: %s", errc)
	}
	_, errc = h.Alloc(32)
	if errc != 0 {
		t.Fatalf("Alloc b: %s", errc)
	}

	var got []BlockInfo
	for b := range h.Blocks() {
		got = append(got, b)
	}
	if len(got) < 3 {
		t.Fatalf("expected at least 3 blocks (2 used + trailing free), got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Addr <= got[i-1].Addr {
			t.Fatalf("blocks not in address order: %v then %v", got[i-1], got[i])
		}
	}

	h.mem[h.off(a-addr.Virt(headerSize))] ^= 0xFF
	got = got[:0]
	for b := range h.Blocks() {
		got = append(got, b)
	}
	if len(got) != 0 {
		t.Fatalf("expected iteration to stop immediately at the corrupted head block, got %d blocks", len(got))
	}
}

func TestDecodeBlocksParsesOfflineSnapshot(t *testing.T) {
	h := setup(t, Config{})
	if _, errc := h.Alloc(16); errc != 0 {
		t.Fatalf("Alloc: %s", errc)
	}

	blocks, err := DecodeBlocks(h.mem, h.start)
	if err != nil {
		t.Fatalf("DecodeBlocks: %v", err)
	}
	var live []BlockInfo
	for b := range h.Blocks() {
		live = append(live, b)
	}
	if len(blocks) != len(live) {
		t.Fatalf("DecodeBlocks found %d blocks, live iteration found %d", len(blocks), len(live))
	}
	for i := range blocks {
		if blocks[i] != live[i] {
			t.Fatalf("block %d mismatch: decoded %+v, live %+v", i, blocks[i], live[i])
		}
	}
}

func TestDecodeBlocksReportsBadMagic(t *testing.T) {
	h := setup(t, Config{})
	mem := append([]byte(nil), h.mem...)
	mem[0] ^= 0xFF

	if _, err := DecodeBlocks(mem, h.start); err == nil {
		t.Fatalf("expected an error decoding a snapshot with a stomped magic")
	}
}

// Package vmm is the virtual memory manager: two-level x86 paging
// over address spaces the PFA backs with frames. Physical memory here
// is modeled as a set of page-table objects keyed by the physical
// frame the PFA handed out for them, rather than raw bytes read
// through a pointer, so every operation is exercised by ordinary Go
// tests instead of requiring an actual MMU.
package vmm

import (
	"fmt"
	"sync"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
)

// Flags are the low PTE/PDE bits a caller may request; Present is
// implicit and OR-ed in by every mapping call.
type Flags uint32

const (
	Present  Flags = 1 << 0
	Writable Flags = 1 << 1
	User     Flags = 1 << 2
)

const entriesPerTable = 1024

// KernelDirStart is the page-directory index at which the
// higher-half kernel mapping begins; CreateUserDirectory copies every
// PDE at or above this index verbatim so kernel addresses resolve
// identically in every address space.
const KernelDirStart = 768

type table struct {
	entries [entriesPerTable]uint32
}

func (t *table) present(i int) bool { return t.entries[i]&uint32(Present) != 0 }
func (t *table) frame(i int) uint32 { return t.entries[i] >> addr.PageShift }

func packEntry(frame uint32, flags Flags) uint32 {
	return frame<<addr.PageShift | uint32(flags) | uint32(Present)
}

// Manager owns every page table this kernel has allocated, across
// every address space, and the frame allocator it draws from.
type Manager struct {
	mu     sync.Mutex
	frames *pfa.Allocator
	arch   cpu.Arch
	tables map[addr.Phys]*table
}

// AddressSpace is one page directory's worth of mappings.
type AddressSpace struct {
	dir addr.Phys
}

func (m *Manager) allocTable() (addr.Phys, *table, defs.Err_t) {
	p, errc := m.frames.Alloc()
	if errc != 0 {
		return 0, nil, errc
	}
	t := &table{}
	m.tables[p] = t
	return p, t, 0
}

func (m *Manager) table(p addr.Phys) *table { return m.tables[p] }

// Init allocates the master page directory and an initial page table,
// identity maps the first 4 MiB, identity maps the bootloader's
// framebuffer if it advertised a linear-RGB one, and loads CR3. It returns the
// Manager and the kernel's AddressSpace.
func Init(arch cpu.Arch, frames *pfa.Allocator, info *multiboot.Info) (*Manager, *AddressSpace, error) {
	m := &Manager{frames: frames, arch: arch, tables: make(map[addr.Phys]*table)}

	dirPhys, dir, errc := m.allocTable()
	if errc != 0 {
		return nil, nil, fmt.Errorf("vmm: allocating page directory: %s", errc)
	}
	ptPhys, pt, errc := m.allocTable()
	if errc != 0 {
		return nil, nil, fmt.Errorf("vmm: allocating initial page table: %s", errc)
	}

	for i := 0; i < entriesPerTable; i++ {
		pt.entries[i] = packEntry(uint32(i), Writable)
	}
	dir.entries[0] = packEntry(ptPhys.Frame(), Writable)

	as := &AddressSpace{dir: dirPhys}

	if fb, ok := info.Framebuffer(); ok && fb.Type == multiboot.FramebufferRGB {
		start := fb.Addr.PageDown()
		end := addr.Phys(uint64(fb.Addr) + uint64(fb.Pitch)*uint64(fb.Height))
		for p := start; p < end; p += addr.PageSize {
			if err := m.IdentityMapPage(as, p, Writable); err != nil {
				return nil, nil, err
			}
		}
	}

	m.arch.SetCR3(dirPhys)
	return m, as, nil
}

func (m *Manager) ensureTable(as *AddressSpace, dirIdx int, flags Flags) (*table, error) {
	dir := m.table(as.dir)
	if dir == nil {
		return nil, fmt.Errorf("vmm: address space directory %s not found", as.dir)
	}
	if dir.present(dirIdx) {
		return m.table(addr.FrameToPhys(dir.frame(dirIdx))), nil
	}
	ptPhys, pt, errc := m.allocTable()
	if errc != 0 {
		return nil, fmt.Errorf("vmm: allocating page table: %s", errc)
	}
	dir.entries[dirIdx] = packEntry(ptPhys.Frame(), flags)
	return pt, nil
}

// IdentityMapPage ensures p's frame is mapped to virtual address p
// itself, allocating a covering page table on demand.
func (m *Manager) IdentityMapPage(as *AddressSpace, p addr.Phys, flags Flags) error {
	return m.MapPage(as, addr.Virt(p), p, flags)
}

// MapPage maps v to p with flags (Present is implicit), allocating a
// covering page table via the frame allocator if the PDE isn't
// present yet.
func (m *Manager) MapPage(as *AddressSpace, v addr.Virt, p addr.Phys, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, err := m.ensureTable(as, v.DirIndex(), flags|Writable)
	if err != nil {
		return err
	}
	pt.entries[v.TabIndex()] = packEntry(p.Frame(), flags)
	m.arch.InvalidatePage(v)
	return nil
}

// MapIn is MapPage against an explicitly supplied, not-necessarily
// active address space.
func (m *Manager) MapIn(as *AddressSpace, v addr.Virt, p addr.Phys, flags Flags) error {
	return m.MapPage(as, v, p, flags)
}

// UnmapPage clears v's PTE if a covering page table exists. Absence of
// a covering table is not an error, only a no-op; the caller may log
// a warning. It reports whether a mapping actually existed.
func (m *Manager) UnmapPage(as *AddressSpace, v addr.Virt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.table(as.dir)
	if dir == nil || !dir.present(v.DirIndex()) {
		return false
	}
	pt := m.table(addr.FrameToPhys(dir.frame(v.DirIndex())))
	if pt == nil || !pt.present(v.TabIndex()) {
		return false
	}
	pt.entries[v.TabIndex()] = 0
	m.arch.InvalidatePage(v)
	return true
}

// Translate walks the page directory and table for v, returning the
// backing physical address (frame plus v's page offset) and true, or
// false if either level is not present.
func (m *Manager) Translate(as *AddressSpace, v addr.Virt) (addr.Phys, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.table(as.dir)
	if dir == nil || !dir.present(v.DirIndex()) {
		return 0, false
	}
	pt := m.table(addr.FrameToPhys(dir.frame(v.DirIndex())))
	if pt == nil || !pt.present(v.TabIndex()) {
		return 0, false
	}
	return addr.FrameToPhys(pt.frame(v.TabIndex())) + addr.Phys(v.Offset()), true
}

// CreateUserDirectory allocates a fresh address space whose kernel
// half (dir indices >= KernelDirStart) resolves identically to
// kernel's, and whose user half starts out completely empty.
func (m *Manager) CreateUserDirectory(kernel *AddressSpace) (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kdir := m.table(kernel.dir)
	if kdir == nil {
		return nil, fmt.Errorf("vmm: kernel directory %s not found", kernel.dir)
	}

	dirPhys, dir, errc := m.allocTable()
	if errc != 0 {
		return nil, fmt.Errorf("vmm: allocating user directory: %s", errc)
	}
	for i := KernelDirStart; i < entriesPerTable; i++ {
		dir.entries[i] = kdir.entries[i]
	}
	return &AddressSpace{dir: dirPhys}, nil
}

// Dir returns the physical address of as's page directory, e.g. for
// loading CR3 on a context switch.
func (as *AddressSpace) Dir() addr.Phys { return as.dir }

// Destroy frees every frame as's user half (dir indices below
// KernelDirStart) maps, the page tables covering them, and as's own
// page directory frame. The kernel half is shared with every other
// address space and is left untouched. Called once, when a user
// process's slot is reclaimed; as must not be used afterward.
func (m *Manager) Destroy(as *AddressSpace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.table(as.dir)
	if dir == nil {
		return fmt.Errorf("vmm: destroying address space: directory %s not found", as.dir)
	}

	for i := 0; i < KernelDirStart; i++ {
		if !dir.present(i) {
			continue
		}
		ptPhys := addr.FrameToPhys(dir.frame(i))
		pt := m.table(ptPhys)
		if pt != nil {
			for j := 0; j < entriesPerTable; j++ {
				if !pt.present(j) {
					continue
				}
				if errc := m.frames.Free(addr.FrameToPhys(pt.frame(j))); errc != 0 {
					return fmt.Errorf("vmm: freeing user frame: %s", errc)
				}
			}
			delete(m.tables, ptPhys)
		}
		if errc := m.frames.Free(ptPhys); errc != 0 {
			return fmt.Errorf("vmm: freeing page table: %s", errc)
		}
	}

	delete(m.tables, as.dir)
	if errc := m.frames.Free(as.dir); errc != 0 {
		return fmt.Errorf("vmm: freeing page directory: %s", errc)
	}
	return nil
}

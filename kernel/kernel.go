// Package kernel sequences the boot chain every other package only
// supplies a piece of: install descriptor tables and remap the PIC,
// bring up the physical/virtual memory managers and kernel heap,
// register every interrupt and fault handler, start the process table
// and the terminal VFS node, then return the assembled Kernel; Boot
// itself neither enables interrupts nor enters an idle loop. Boot is
// the only Go symbol a freestanding entry stub (rt0
// assembly, per gopher-os's Kmain convention) needs to call.
package kernel

import (
	"io"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/gdt"
	"github.com/lesniakbj/bren-os-rewrite/heap"
	"github.com/lesniakbj/bren-os-rewrite/idt"
	"github.com/lesniakbj/bren-os-rewrite/klog"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
	"github.com/lesniakbj/bren-os-rewrite/pic"
	"github.com/lesniakbj/bren-os-rewrite/sched"
	"github.com/lesniakbj/bren-os-rewrite/syscall"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
	"github.com/lesniakbj/bren-os-rewrite/vfs"
	"github.com/lesniakbj/bren-os-rewrite/vmm"
)

// Layout constants mirroring kernel_layout.h.
const (
	HeapVirtualStart = addr.Virt(0xD0000000)
	HeapSize         = 0x100000

	// Fixed dispatch-table vectors spec.md's interrupt-dispatch section
	// names.
	vecPageFault = 0x0E
	vecGPFault   = 0x0D
	vecPIT       = 0x20
	vecRTC       = 0x28
	vecKeyboard  = 0x21
	vecMouse     = 0x2C
)

// Kernel holds every subsystem Boot wires together, so tests (and a
// real shell/debug console, eventually) can reach into it after boot.
type Kernel struct {
	Log      *klog.Logger
	GDT      *gdt.Table
	IDT      *idt.Table
	PFA      *pfa.Allocator
	VMM      *vmm.Manager
	Dir      *vmm.AddressSpace
	Heap     *heap.Heap
	Devices  *vfs.Registry
	Procs    *sched.Table
	Syscalls *syscall.Gateway

	arch cpu.Arch
}

// BootError reports which init stage failed and why. The source's
// kernel_main simply returns (and the CPU spins forever wherever the
// bootloader left it) on a failed stage rather than panicking; Boot
// mirrors that by reporting the failure instead of panicking itself,
// leaving the decision of what to do about it to the caller.
type BootError struct{ Stage, Detail string }

func (e *BootError) Error() string { return e.Stage + ": " + e.Detail }

// Boot runs the full init sequence. arch is the architecture seam (a
// real build's non-Simulated implementation, or Simulated for tests).
// mem is the raw-memory reader Parse uses to decode the multiboot info
// record at infoAddr. kernelStart/kernelEnd bound the kernel image's
// physical frames, which the PFA must mark used before handing out any
// frame; the entry stub supplies them the way gopher-os's Kmain
// receives them from its rt0 assembly. stubAddr supplies a real
// build's per-vector ISR stub address; tests pass a synthetic one
// since nothing ever jumps through it here.
func Boot(arch cpu.Arch, magic uint32, infoAddr addr.Phys, mem multiboot.Memory, kernelStart, kernelEnd addr.Phys, stubAddr func(vector int) uint32, sinks ...io.Writer) (*Kernel, error) {
	logger := klog.New(arch, sinks...)

	if magic != multiboot.Magic {
		logger.Errf("invalid multiboot magic: %#x", magic)
		return nil, &BootError{"magic", "bootloader did not leave the expected multiboot signature"}
	}
	info := multiboot.Parse(mem, infoAddr)

	gdtTable := gdt.Init(arch)
	idtTable := idt.Init(arch, stubAddr)
	pic.Init(arch)

	frames, err := pfa.Init(info, mem, kernelStart, kernelEnd)
	if err != nil {
		logger.Errf("pfa.Init: %v", err)
		return nil, &BootError{"pfa", err.Error()}
	}

	mgr, kernelDir, err := vmm.Init(arch, frames, info)
	if err != nil {
		logger.Errf("vmm.Init: %v", err)
		return nil, &BootError{"vmm", err.Error()}
	}

	k := &Kernel{
		Log:  logger,
		GDT:  gdtTable,
		IDT:  idtTable,
		PFA:  frames,
		VMM:  mgr,
		Dir:  kernelDir,
		arch: arch,
	}

	h, errc := heap.Init(mgr, kernelDir, frames, HeapVirtualStart, HeapSize, heap.Config{
		OnCorruption: func(detail string) { k.Log.Panicf("heap corruption: %s", detail) },
	})
	if errc != 0 {
		logger.Errf("heap.Init: %s", errc)
		return nil, &BootError{"heap", errc.String()}
	}
	k.Heap = h

	devices := vfs.NewRegistry(8)
	devices.Register(sched.TerminalPath, vfs.NewTerminalNode(k.writeTerminal))
	devices.Register("/dev/com1", vfs.NewWriteOnlyNode("/dev/com1", k.writeTerminal))
	devices.Register("/dev/com2", vfs.NewWriteOnlyNode("/dev/com2", k.writeTerminal))
	k.Devices = devices

	k.Procs = sched.Init(arch, mgr, frames, kernelDir, h, devices)
	k.Syscalls = syscall.NewGateway(k.Procs)
	k.Syscalls.Unknown = func(n uint32) { logger.Warnf("unrecognized syscall number %d", n) }

	idtTable.Register(vecPageFault, k.pageFault)
	idtTable.Register(vecGPFault, k.generalProtectionFault)
	idtTable.Register(vecPIT, k.timerTick)
	idtTable.Register(vecRTC, k.rtcTick)
	idtTable.Register(vecKeyboard, k.deviceIRQ(vecKeyboard))
	idtTable.Register(vecMouse, k.deviceIRQ(vecMouse))
	idtTable.Register(idt.SyscallVector, k.syscallTrap)

	logger.Infof("boot complete, entering idle loop")
	return k, nil
}

// writeTerminal is the terminal node's sink until a real console
// driver (explicitly out of scope) is wired in; it routes output
// through the same sinks klog writes to, so vfs_write(1, ...) traffic
// and log lines interleave the way a serial console would show them.
func (k *Kernel) writeTerminal(b []byte) (int, error) {
	k.Log.Infof("%s", string(b))
	return len(b), nil
}

// deviceIRQ returns a stub handler for an IRQ whose device protocol
// (PS/2 scancode/packet decoding) is an external collaborator per
// spec.md's scope: it only performs the EOI discipline the PIC needs,
// since re-arming the controller is this core's job regardless of what
// a real driver does with the data it enqueues.
func (k *Kernel) deviceIRQ(vector int) idt.Handler {
	return func(f *trapframe.Frame) {
		pic.EOIForVector(k.arch, vector)
	}
}

// timerTick is the PIT handler: EOI first (so the controller is
// re-armed even though dispatch may not return to this context), then
// hand the frame to the scheduler for a preemption attempt.
func (k *Kernel) timerTick(f *trapframe.Frame) {
	pic.EOIForVector(k.arch, vecPIT)
	k.Procs.Dispatch(f)
}

// rtcTick only needs the EOI discipline; CMOS/RTC timekeeping is an
// external collaborator per spec.md's scope.
func (k *Kernel) rtcTick(f *trapframe.Frame) {
	pic.EOIForVector(k.arch, vecRTC)
}

// syscallTrap is the INT 0x80 gate's registered handler.
func (k *Kernel) syscallTrap(f *trapframe.Frame) {
	k.Syscalls.Dispatch(f)
}

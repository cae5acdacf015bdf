// Package cpu isolates every primitive that genuinely requires
// machine code: port I/O, descriptor-table loads, control-register
// access, TLB invalidation, and halting. Everything above this
// package — vmm, gdt, idt, pic, sched — is written against the Arch
// interface instead of inline assembly, so it compiles and tests as
// ordinary Go; only a real boot image needs a non-Simulated Arch.
package cpu

import (
	"time"

	"github.com/lesniakbj/bren-os-rewrite/addr"
)

// Arch is the architecture seam. A freestanding build backs it with
// real IN/OUT, LGDT/LIDT/LTR, and CLI/STI; tests back it with
// Simulated.
type Arch interface {
	OutB(port uint16, val uint8)
	InB(port uint16) uint8

	LoadGDT(base uintptr, limit uint16)
	LoadIDT(base uintptr, limit uint16)
	LoadTSS(selector uint16)

	// SetKernelStack updates the TSS ss0:esp0 pair the CPU will load
	// on the next ring3->ring0 transition, mirroring
	// tss_set_stack(0x10, kernel_stack_top).
	SetKernelStack(esp0 uintptr)

	SetCR3(pd addr.Phys)
	CR2() addr.Virt
	InvalidatePage(v addr.Virt)

	// IRQDisable clears IF and reports whether it had been set, so the
	// caller can restore the prior state instead of unconditionally
	// re-enabling interrupts it didn't originally disable.
	IRQDisable() (wasEnabled bool)
	IRQRestore(wasEnabled bool)

	// IRQEnabled reads IF without modifying it, mirroring the
	// pushf/pop probe check_interrupts_enabled uses to decide whether
	// a log call may safely take a lock.
	IRQEnabled() bool

	// Halt executes hlt, the idle loop's only suspension point absent
	// a pending IRQ.
	Halt()

	// Now returns a monotonic tick count used for CPU-time accounting;
	// a real build drives it from the PIT/TSC, Simulated from a
	// manually advanced counter.
	Now() time.Duration

	// SwitchTo performs the common-path low-level context switch: load
	// esp, pop the full register set the trapframe describes, iret.
	// It never returns to the caller on a real build; Simulated just
	// records the requested stack pointer.
	SwitchTo(esp uintptr)

	// SwitchToUserFirst is the distinct routine a FirstRun user process
	// requires on its very first dispatch, guaranteeing the iret drops
	// privilege to ring 3 rather than assuming the frame it's restoring
	// already reflects a process that has run before.
	SwitchToUserFirst(esp uintptr)
}

// Critical runs fn with IRQs disabled, restoring the prior IRQ state
// on return even if fn panics. It is the Go-level equivalent of the
// CLI/STI pairs the source wraps around process creation, log
// emission, and descriptor-table writes.
func Critical(a Arch, fn func()) {
	was := a.IRQDisable()
	defer a.IRQRestore(was)
	fn()
}

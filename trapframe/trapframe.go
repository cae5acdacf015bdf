// Package trapframe defines the saved-register layout every IDT stub
// builds before calling into Go, and the two ways a process's very
// first frame gets manufactured: one for a kernel thread entered via
// a plain near call, one for a user process entered via iret to
// ring 3.
package trapframe

import "fmt"

// segment selectors and flags used when manufacturing a fresh frame.
// The values mirror the GDT layout gdt.Init installs: entry 1 is the
// ring0 code segment, entry 2 the ring0 data segment, entry 3 the
// ring3 code segment, entry 4 the ring3 data segment.
const (
	KernelCS = 0x08
	KernelDS = 0x10
	UserCS   = 0x1B // GDT index 3, RPL 3
	UserDS   = 0x23 // GDT index 4, RPL 3

	// defaultEFlags sets IF (bit 9) so a freshly dispatched process
	// runs with interrupts enabled, and the reserved bit 1 that is
	// always 1 on x86.
	defaultEFlags = 0x202
)

// Frame is the register snapshot pushed by an IDT stub before control
// reaches the common dispatcher, in the exact order a stub pushes
// them: general-purpose registers (pusha order), then segment
// registers, then the interrupt number and (CPU- or stub-supplied)
// error code, then the hardware-pushed eip/cs/eflags and, only for a
// ring3->ring0 transition, useresp/ss.
type Frame struct {
	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32

	GS, FS, ES, DS uint32

	IntNo, ErrCode uint32

	EIP, CS, EFlags uint32

	// UserESP and SS are only meaningful when this frame was taken
	// from ring 3; a kernel-mode frame's handler must not read them.
	UserESP, SS uint32
}

func (f *Frame) String() string {
	return fmt.Sprintf("int=%d err=%#x eip=%#x cs=%#x eflags=%#x eax=%#x ebx=%#x",
		f.IntNo, f.ErrCode, f.EIP, f.CS, f.EFlags, f.EAX, f.EBX)
}

// FromRing3 reports whether this frame was taken while executing in
// ring 3, i.e. whether UserESP/SS are valid.
func (f *Frame) FromRing3() bool {
	return f.CS&0x3 == 3
}

// NewKernel manufactures the initial frame for a kernel-mode process:
// it begins execution at entry with the kernel code/data selectors,
// interrupts enabled, and its stack pointer at the top of its owning
// kernel stack. This matches the register_t fields proc_create sets
// for a kernel thread (cs=0x08, eflags=0x202, ds=es=fs=gs=0x10).
func NewKernel(entry uintptr, kernelStackTop uintptr) Frame {
	return Frame{
		ESP:     uint32(kernelStackTop),
		GS:      KernelDS,
		FS:      KernelDS,
		ES:      KernelDS,
		DS:      KernelDS,
		EIP:     uint32(entry),
		CS:      KernelCS,
		EFlags:  defaultEFlags,
		UserESP: uint32(kernelStackTop),
		SS:      KernelDS,
	}
}

// NewUser manufactures the initial frame for a user-mode process: the
// segment selectors carry RPL 3 so the CPU drops to ring 3 on iret,
// and UserESP/SS are populated because iret to a lower privilege level
// pops them to reload the ring3 stack. This matches
// create_user_process's use of user_cs=0x1B, user_ss=0x23 and
// regs->useresp = user_stack_top.
func NewUser(entry uintptr, userStackTop uintptr) Frame {
	return Frame{
		GS:      UserDS,
		FS:      UserDS,
		ES:      UserDS,
		DS:      UserDS,
		EIP:     uint32(entry),
		CS:      UserCS,
		EFlags:  defaultEFlags,
		UserESP: uint32(userStackTop),
		SS:      UserDS,
	}
}

// Page-fault error-code bits decoded out of ErrCode when IntNo == 14.
const (
	FaultPresent  = 1 << 0 // 0: not-present page, 1: protection violation
	FaultWrite    = 1 << 1 // 0: read, 1: write
	FaultUser     = 1 << 2 // 0: supervisor, 1: user-mode access
	FaultReserved = 1 << 3 // reserved bit violation
	FaultInstr    = 1 << 4 // instruction fetch
)

package kernel

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/lesniakbj/bren-os-rewrite/sched"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
)

// page-fault error-code bits, matching the source's page_fault_handler.
const (
	pfPresent          = 0x1
	pfWrite            = 0x2
	pfUser             = 0x4
	pfReservedBit      = 0x8
	pfInstructionFetch = 0x10
)

// pageFault decodes CR2 and the error code the CPU pushed, logs the
// dump page_fault_handler logs, and either terminates the faulting
// user process or halts, per spec.md's "user-mode page faults ...
// terminate the offending process ... else panic" rule. There is no
// demand paging in this kernel (an explicit Non-goal), so every page
// fault is unconditionally a fatal condition for whoever caused it;
// none are ever resolved by mapping a page and resuming.
func (k *Kernel) pageFault(f *trapframe.Frame) {
	faultAddr := k.arch.CR2()

	present := f.ErrCode&pfPresent != 0
	write := f.ErrCode&pfWrite != 0
	user := f.ErrCode&pfUser != 0
	reserved := f.ErrCode&pfReservedBit != 0
	instrFetch := f.ErrCode&pfInstructionFetch != 0

	k.Log.Errf("--- PAGE FAULT --- addr=%#x present=%v write=%v user=%v reserved=%v instr-fetch=%v eip=%#x",
		faultAddr, present, write, user, reserved, instrFetch, f.EIP)
	k.logFaultingInstruction(f)

	cur := k.Procs.Current()
	if user && !reserved && cur.Kind == sched.User {
		k.terminateCurrent(f, "page fault")
		return
	}

	k.Log.Panicf("fatal page fault, system halted")
}

// generalProtectionFault mirrors general_protection_fault_handler's
// full register dump, then applies the same ring3-vs-ring0 branch.
func (k *Kernel) generalProtectionFault(f *trapframe.Frame) {
	cur := k.Procs.Current()

	k.Log.Errf("--- GENERAL PROTECTION FAULT --- pid=%d", cur.Pid)
	k.Log.Errf("CS:EIP = %#x:%#x  DS=%#x ES=%#x FS=%#x GS=%#x", f.CS, f.EIP, f.DS, f.ES, f.FS, f.GS)
	k.Log.Errf("EDI=%#x ESI=%#x EBP=%#x ESP=%#x EBX=%#x EDX=%#x ECX=%#x EAX=%#x",
		f.EDI, f.ESI, f.EBP, f.ESP, f.EBX, f.EDX, f.ECX, f.EAX)
	k.Log.Errf("EFLAGS=%#x UserESP=%#x SS=%#x", f.EFlags, f.UserESP, f.SS)
	if f.ErrCode != 0 {
		k.Log.Errf("segment error code: %#x", f.ErrCode)
	}
	k.logFaultingInstruction(f)

	if f.FromRing3() && cur.Kind == sched.User {
		k.terminateCurrent(f, "general protection fault")
		return
	}

	k.Log.Panicf("fatal general protection fault, system halted")
}

// terminateCurrent marks the current process Exited and hands control
// to the scheduler, the Go equivalent of proc_terminate followed by
// proc_scheduler_run from inside a fault handler.
func (k *Kernel) terminateCurrent(f *trapframe.Frame, reason string) {
	k.Log.Errf("terminating pid %d due to %s", k.Procs.Current().Pid, reason)
	k.Procs.Exit(-1)
	k.Procs.Dispatch(f)
}

// logFaultingInstruction disassembles the bytes at f.EIP and logs the
// decoded instruction, when they're available: only a User process's
// own mapped code is ever backed by real bytes this kernel can read
// (sched.Process.UserCode — see the sched package's doc comment), so a
// kernel-mode fault's instruction bytes are unavailable by
// construction and this simply logs that fact instead of guessing.
func (k *Kernel) logFaultingInstruction(f *trapframe.Frame) {
	cur := k.Procs.Current()
	if cur.Kind != sched.User || cur.UserCode == nil {
		k.Log.Errf("faulting instruction bytes unavailable (kernel-mode context)")
		return
	}
	eip := uintptr(f.EIP)
	base := uintptr(cur.UserCodeBase)
	if eip < base || eip-base >= uintptr(len(cur.UserCode)) {
		k.Log.Errf("EIP %#x lies outside the faulting process's mapped code", f.EIP)
		return
	}
	off := eip - base
	inst, err := x86asm.Decode(cur.UserCode[off:], 32)
	if err != nil {
		k.Log.Errf("could not decode instruction at %#x: %v", f.EIP, err)
		return
	}
	k.Log.Errf("faulting instruction: %s", x86asm.GNUSyntax(inst, uint64(f.EIP), nil))
}

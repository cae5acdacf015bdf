// Package idt builds the 256-entry Interrupt Descriptor Table and the
// vector -> handler registry the common dispatcher consults. Vectors
// 0-31 are CPU exceptions, 32-47 the remapped PIC IRQs, and 0x80 the
// syscall gate; all but 0x80 run at DPL 0 so only the kernel (or the
// CPU itself) can invoke them, while 0x80 is DPL 3 so ring3 code can
// reach it via int 0x80.
package idt

import (
	"unsafe"

	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
)

const (
	numEntries = 256

	// SyscallVector is the software-interrupt gate user code invokes
	// directly.
	SyscallVector = 0x80

	// gate type/attribute bytes, at DPL 0 or DPL 3. 0x8E is a present,
	// 32-bit interrupt gate and matches idt_populate_idt_entries's flag
	// argument for every exception/IRQ; 0xEF is the syscall gate's DPL
	// 3, present, 32-bit trap gate.
	flagsRing0 = 0x8E
	flagsRing3 = 0xEF
)

// gate is the 8-byte packed descriptor shape the CPU reads directly.
type gate struct {
	addrLow  uint16
	selector uint16
	zero     uint8
	flags    uint8
	addrHigh uint16
}

func pack(handlerAddr uint32, selector uint16, flags uint8) gate {
	return gate{
		addrLow:  uint16(handlerAddr & 0xFFFF),
		selector: selector,
		zero:     0,
		flags:    flags,
		addrHigh: uint16(handlerAddr >> 16 & 0xFFFF),
	}
}

// Handler is called with the trap frame for its vector. It returns
// nothing, and Dispatch sends no EOI: an IRQ handler acknowledges the
// PIC itself.
type Handler func(f *trapframe.Frame)

// Table is the IDT plus the Go-level vector registry the common
// dispatcher (Dispatch) uses once control has already reached Go.
// gate contents matter only for documenting what a real build would
// load; the registry is what this kernel actually dispatches through.
type Table struct {
	entries  [numEntries]gate
	handlers [numEntries]Handler
}

// Init builds a fully populated IDT (every vector points at a stub
// selector/flags pair) and loads it via arch. stubAddr supplies the
// address a real build's assembly stub for vector v lives at; Go code
// never executes through these addresses, only Dispatch does, but
// Init still records them so a fault dump can report what's loaded.
func Init(arch cpu.Arch, stubAddr func(vector int) uint32) *Table {
	t := &Table{}
	for v := 0; v < numEntries; v++ {
		flags := uint8(flagsRing0)
		if v == SyscallVector {
			flags = flagsRing3
		}
		t.entries[v] = pack(stubAddr(v), 0x08, flags)
	}

	base := uintptr(unsafe.Pointer(&t.entries[0]))
	limit := uint16(unsafe.Sizeof(t.entries) - 1)
	arch.LoadIDT(base, limit)
	return t
}

// Register installs h as the handler for vector. It is not safe to
// call concurrently with Dispatch; callers register every handler
// during boot before enabling IRQs.
func (t *Table) Register(vector int, h Handler) {
	t.handlers[vector] = h
}

// Dispatch looks up vector's handler and calls it with f. It reports
// whether a handler was found, so the caller (the common C-level
// dispatcher's Go equivalent) can log "unknown interrupt" the way
// isr_handler_c's default case does.
func (t *Table) Dispatch(vector int, f *trapframe.Frame) bool {
	h := t.handlers[vector]
	if h == nil {
		return false
	}
	h(f)
	return true
}

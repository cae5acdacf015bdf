package cpu

import (
	"sync"
	"time"

	"github.com/lesniakbj/bren-os-rewrite/addr"
)

// Simulated is a host-testable Arch: it records every call instead of
// touching real hardware, so package tests can assert on GDT/IDT
// loads, PIC port writes, and IRQ critical-section nesting.
type Simulated struct {
	mu sync.Mutex

	ports map[uint16]uint8

	gdtBase, idtBase   uintptr
	gdtLimit, idtLimit uint16
	tssSelector        uint16
	kernelStackESP0    uintptr

	cr3 addr.Phys
	cr2 addr.Virt

	invalidated []addr.Virt

	irqEnabled bool
	halted     int
	ticks      time.Duration

	outLog []PortWrite

	lastSwitch         uintptr
	lastSwitchWasFirst bool
	switchCount        int
}

// PortWrite records one OutB call, e.g. so a pic test can assert the
// exact ICW sequence and final mask bytes.
type PortWrite struct {
	Port  uint16
	Value uint8
}

// NewSimulated returns an Arch with interrupts initially enabled,
// matching the state the kernel reaches once boot finishes STI.
func NewSimulated() *Simulated {
	return &Simulated{ports: make(map[uint16]uint8), irqEnabled: true}
}

func (s *Simulated) OutB(port uint16, val uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = val
	s.outLog = append(s.outLog, PortWrite{port, val})
}

func (s *Simulated) InB(port uint16) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

func (s *Simulated) LoadGDT(base uintptr, limit uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gdtBase, s.gdtLimit = base, limit
}

func (s *Simulated) LoadIDT(base uintptr, limit uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idtBase, s.idtLimit = base, limit
}

func (s *Simulated) LoadTSS(selector uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tssSelector = selector
}

func (s *Simulated) SetKernelStack(esp0 uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernelStackESP0 = esp0
}

func (s *Simulated) SetCR3(pd addr.Phys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cr3 = pd
}

func (s *Simulated) CR2() addr.Virt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cr2
}

// SetCR2 is a test hook: a real build would have the CPU itself
// populate CR2 on a page fault, which Simulated has no fault hardware
// to do on its own.
func (s *Simulated) SetCR2(v addr.Virt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cr2 = v
}

func (s *Simulated) InvalidatePage(v addr.Virt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, v)
}

func (s *Simulated) IRQDisable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.irqEnabled
	s.irqEnabled = false
	return was
}

func (s *Simulated) IRQRestore(wasEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqEnabled = wasEnabled
}

func (s *Simulated) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted++
}

func (s *Simulated) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Advance moves the simulated clock forward, e.g. standing in for a
// timer IRQ's elapsed quantum in the scheduler's accounting tests.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks += d
}

// IRQEnabled reports the current simulated IF state, for tests that
// check a critical section actually disabled interrupts.
func (s *Simulated) IRQEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irqEnabled
}

// Halted reports how many times Halt was called.
func (s *Simulated) Halted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// PortWrites returns a copy of every OutB call recorded so far, in
// order.
func (s *Simulated) PortWrites() []PortWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PortWrite, len(s.outLog))
	copy(out, s.outLog)
	return out
}

// GDT returns the last base/limit passed to LoadGDT.
func (s *Simulated) GDT() (base uintptr, limit uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gdtBase, s.gdtLimit
}

// IDT returns the last base/limit passed to LoadIDT.
func (s *Simulated) IDT() (base uintptr, limit uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idtBase, s.idtLimit
}

// KernelStack returns the esp0 last installed via SetKernelStack.
func (s *Simulated) KernelStack() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelStackESP0
}

// TSSSelector returns the selector last passed to LoadTSS.
func (s *Simulated) TSSSelector() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tssSelector
}

func (s *Simulated) SwitchTo(esp uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSwitch = esp
	s.lastSwitchWasFirst = false
	s.switchCount++
}

func (s *Simulated) SwitchToUserFirst(esp uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSwitch = esp
	s.lastSwitchWasFirst = true
	s.switchCount++
}

// LastSwitch returns the esp passed to the most recent SwitchTo or
// SwitchToUserFirst call, and whether that call was the
// privilege-dropping first-dispatch variant.
func (s *Simulated) LastSwitch() (esp uintptr, wasFirst bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSwitch, s.lastSwitchWasFirst
}

// SwitchCount reports how many times either switch routine was called.
func (s *Simulated) SwitchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchCount
}

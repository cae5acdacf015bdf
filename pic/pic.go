// Package pic drives the two 8259 programmable interrupt controllers:
// the ICW remap sequence that moves IRQ vectors out of the CPU
// exception range, the mask this kernel actually wants (only the IRQ
// lines something services), and end-of-interrupt discipline.
package pic

import "github.com/lesniakbj/bren-os-rewrite/cpu"

const (
	masterCmd  = 0x20
	masterData = 0x21
	slaveCmd   = 0xA0
	slaveData  = 0xA1

	icw1Init  = 0x10
	icw1ICW4  = 0x01
	icw4_8086 = 0x01

	eoi = 0x20

	// MasterBase and SlaveBase are the vectors IRQ0 and IRQ8 are
	// remapped to; spec-fixed at 0x20/0x28.
	MasterBase = 0x20
	SlaveBase  = 0x28
)

// mask bits this kernel leaves unmasked on each controller.
// Master: IRQ0 (timer), IRQ1 (keyboard), IRQ2 (cascade, required for
// any slave IRQ to reach the CPU at all).
// Slave: IRQ8 (RTC, slave line 0), IRQ12 (PS/2 mouse, slave line 4).
const (
	masterUnmasked = 1<<0 | 1<<1 | 1<<2
	slaveUnmasked  = 1<<0 | 1<<4

	masterMask = ^uint8(masterUnmasked)
	slaveMask  = ^uint8(slaveUnmasked)
)

// Remap reprograms both PICs so IRQ0-7 land at vectors masterBase..+7
// and IRQ8-15 at slaveBase..+7, using the standard cascade-identity,
// 8086-mode ICW sequence, then applies this kernel's IRQ mask.
func Remap(arch cpu.Arch, masterBase, slaveBase uint8) {
	arch.OutB(masterCmd, icw1Init|icw1ICW4)
	arch.OutB(slaveCmd, icw1Init|icw1ICW4)

	arch.OutB(masterData, masterBase)
	arch.OutB(slaveData, slaveBase)

	arch.OutB(masterData, 4) // ICW3: slave attached on master's IRQ2
	arch.OutB(slaveData, 2)  // ICW3: slave's own cascade identity

	arch.OutB(masterData, icw4_8086)
	arch.OutB(slaveData, icw4_8086)

	arch.OutB(masterData, masterMask)
	arch.OutB(slaveData, slaveMask)
}

// Init remaps both PICs to this kernel's fixed vector bases.
func Init(arch cpu.Arch) {
	Remap(arch, MasterBase, SlaveBase)
}

// EOI acknowledges IRQ line irq (0-15). A slave-line IRQ (8-15) needs
// EOI sent to the slave before the master, since the master never saw
// the interrupt directly; it only relayed it on IRQ2.
func EOI(arch cpu.Arch, irq int) {
	if irq >= 8 {
		arch.OutB(slaveCmd, eoi)
	}
	arch.OutB(masterCmd, eoi)
}

// EOIForVector acknowledges the IRQ that produced vector v (in
// MasterBase..SlaveBase+7), deriving the IRQ line from the vector the
// same way the common dispatcher does: vectors >= 0x28 are slave
// lines and need the extra EOI.
func EOIForVector(arch cpu.Arch, vector int) {
	EOI(arch, vector-MasterBase)
}

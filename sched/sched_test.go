package sched

import (
	"encoding/binary"
	"testing"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/heap"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
	"github.com/lesniakbj/bren-os-rewrite/vfs"
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

func setup(t *testing.T) (*Table, *cpu.Simulated) {
	t.Helper()
	info, mem := buildInfo(64 * 1024)
	frames, err := pfa.Init(info, mem, 0x100000, 0x108000)
	if err != nil {
		t.Fatalf("pfa.Init: %v", err)
	}
	a := cpu.NewSimulated()
	mgr, kernelDir, err := vmm.Init(a, frames, info)
	if err != nil {
		t.Fatalf("vmm.Init: %v", err)
	}
	h, errc := heap.Init(mgr, kernelDir, frames, addr.Virt(0xD0000000), heap.MinHeapSize, heap.Config{})
	if errc != 0 {
		t.Fatalf("heap.Init: %s", errc)
	}
	devices := vfs.NewRegistry(4)
	devices.Register(TerminalPath, vfs.NewTerminalNode(nil))
	tbl := Init(a, mgr, frames, kernelDir, h, devices)
	return tbl, a
}

func TestCreateKernelAssignsMonotonicPids(t *testing.T) {
	// PROC1
	tbl, _ := setup(t)

	p1, errc := tbl.CreateKernel(0x1000)
	if errc != 0 {
		t.Fatalf("CreateKernel p1: %s", errc)
	}
	p2, errc := tbl.CreateKernel(0x2000)
	if errc != 0 {
		t.Fatalf("CreateKernel p2: %s", errc)
	}
	if p1.Pid == 0 || p2.Pid == 0 || p1.Pid == p2.Pid {
		t.Fatalf("pids not unique/nonzero: %d, %d", p1.Pid, p2.Pid)
	}
	if p2.Pid <= p1.Pid {
		t.Fatalf("pids not monotonically increasing: %d then %d", p1.Pid, p2.Pid)
	}
}

func TestCreateKernelSetsFirstRunState(t *testing.T) {
	tbl, _ := setup(t)
	p, errc := tbl.CreateKernel(0x1000)
	if errc != 0 {
		t.Fatalf("CreateKernel: %s", errc)
	}
	if p.State != FirstRun {
		t.Fatalf("State = %s, want FirstRun", p.State)
	}
	if p.Frame.CS != trapframe.KernelCS {
		t.Fatalf("Frame.CS = %#x, want kernel code selector", p.Frame.CS)
	}
}

func TestDispatchPicksOtherRunnableProcess(t *testing.T) {
	// PROC2 liveness: with >=2 runnable processes, a dispatch selects
	// one other than the idle task.
	tbl, a := setup(t)
	_, errc := tbl.CreateKernel(0x1000)
	if errc != 0 {
		t.Fatalf("CreateKernel: %s", errc)
	}

	var frame trapframe.Frame
	switched := tbl.Dispatch(&frame)
	if !switched {
		t.Fatalf("expected a switch with a runnable non-idle process present")
	}
	if tbl.Current().Pid == 0 {
		t.Fatalf("Dispatch stayed on idle despite a runnable process")
	}
	if a.SwitchCount() != 1 {
		t.Fatalf("SwitchCount = %d, want 1", a.SwitchCount())
	}
}

func TestDispatchReturnsFalseWithNoOtherRunnable(t *testing.T) {
	tbl, _ := setup(t)
	var frame trapframe.Frame
	if tbl.Dispatch(&frame) {
		t.Fatalf("expected no switch when only the idle task is runnable")
	}
}

func TestExitThenDispatchSelectsAnotherProcess(t *testing.T) {
	// Scenario: a user process's exit syscall marks it Exited; the
	// scheduler must then be able to select any other runnable
	// process.
	tbl, _ := setup(t)
	_, errc := tbl.CreateKernel(0x1000)
	if errc != 0 {
		t.Fatalf("CreateKernel: %s", errc)
	}

	var frame trapframe.Frame
	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected initial switch onto the new process")
	}
	if tbl.Current().State != Running {
		t.Fatalf("State = %s, want Running after first dispatch", tbl.Current().State)
	}

	tbl.Exit(-1)
	if tbl.Current().State != Exited {
		t.Fatalf("Exit did not mark the current process Exited")
	}

	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected a switch back to idle after the only other process exited")
	}
	if tbl.Current().Pid != 0 {
		t.Fatalf("expected dispatch back onto idle, got pid %d", tbl.Current().Pid)
	}
}

func TestCreateUserUsesPrivilegeDroppingSwitchOnFirstDispatch(t *testing.T) {
	// Q4
	tbl, a := setup(t)
	code := []byte{0xB8, 0x3C, 0x00, 0x00, 0x00}
	_, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	var frame trapframe.Frame
	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected a switch onto the new user process")
	}
	if _, wasFirst := a.LastSwitch(); !wasFirst {
		t.Fatalf("expected the first dispatch onto a user process to use SwitchToUserFirst")
	}

	tbl.Exit(0)
	tbl.Dispatch(&frame) // back to idle

	p2, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser p2: %s", errc)
	}
	_ = p2
	tbl.Dispatch(&frame)
	if _, wasFirst := a.LastSwitch(); !wasFirst {
		t.Fatalf("a fresh FirstRun user process should still use SwitchToUserFirst")
	}
}

func TestDispatchChargesElapsedTimeToRunningProcess(t *testing.T) {
	tbl, a := setup(t)
	p, errc := tbl.CreateKernel(0x1000)
	if errc != 0 {
		t.Fatalf("CreateKernel: %s", errc)
	}

	var frame trapframe.Frame
	tbl.Dispatch(&frame) // idle -> p, charges idle's elapsed time (zero so far)

	a.Advance(1000)
	tbl.Dispatch(&frame) // p is still current and Running; charges p 1000ns

	if got := p.Accounting.Fetch().Sysns; got != 1000 {
		t.Fatalf("Sysns = %d, want 1000", got)
	}
}

func TestReclaimDestroysExitedUserProcessAddressSpace(t *testing.T) {
	tbl, _ := setup(t)
	code := []byte{0xB8, 0x3C, 0x00, 0x00, 0x00}
	_, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	var frame trapframe.Frame
	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected a switch onto the new user process")
	}
	before := tbl.frames.Stats()

	tbl.Exit(0)
	tbl.Dispatch(&frame) // reclaims the exited slot, freeing its address space

	after := tbl.frames.Stats()
	if after.UsedFrames >= before.UsedFrames {
		t.Fatalf("reclaim did not free the exited user process's frames: before used=%d after used=%d", before.UsedFrames, after.UsedFrames)
	}
}

func TestCreateKernelFailsClosedWhenTableFull(t *testing.T) {
	tbl, _ := setup(t)
	failed := false
	for i := 0; i < 100; i++ {
		if _, errc := tbl.CreateKernel(0x1000); errc != 0 {
			failed = true
			break
		}
	}
	if !failed {
		t.Fatalf("expected CreateKernel to eventually fail with ENOPROC")
	}
}

package syscall

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/heap"
	"github.com/lesniakbj/bren-os-rewrite/multiboot"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
	"github.com/lesniakbj/bren-os-rewrite/sched"
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

func setup(t *testing.T) (*sched.Table, *bytes.Buffer) {
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
	var out bytes.Buffer
	devices := vfs.NewRegistry(4)
	devices.Register(sched.TerminalPath, vfs.NewTerminalNode(func(b []byte) (int, error) { return out.Write(b) }))
	tbl := sched.Init(a, mgr, frames, kernelDir, h, devices)
	return tbl, &out
}

// userExitProgram is the 14-byte sequence from scenario 5: mov eax,51;
// mov ebx,-1; int 0x80; jmp $.
var userExitProgram = []byte{
	0xB8, 0x33, 0x00, 0x00, 0x00, // mov eax, 51
	0xBB, 0xFF, 0xFF, 0xFF, 0xFF, // mov ebx, -1
	0xCD, 0x80, // int 0x80
	0xEB, 0xFE, // jmp $
}

// buildWriteProgram mirrors the source's user_program: a write of a
// trailing message to fd 1, then exit.
var userMessage = []byte("Hello from Ring 3!\n")

func buildWriteProgram(msgAddr uint32) []byte {
	prog := []byte{
		0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60
		0xBB, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1
		0xB9, 0, 0, 0, 0, // mov ecx, <message addr>
		0xBA, byte(len(userMessage)), 0x00, 0x00, 0x00, // mov edx, len
		0xCD, 0x80, // int 0x80
		0xB8, 0x33, 0x00, 0x00, 0x00, // mov eax, 51
		0xBB, 0x00, 0x00, 0x00, 0x00, // mov ebx, 0
		0xCD, 0x80, // int 0x80
	}
	binary.LittleEndian.PutUint32(prog[11:], msgAddr)
	return append(prog, userMessage...)
}

func TestExitSyscallMarksProcessExitedThenSchedulerMovesOn(t *testing.T) {
	// Scenario 5.
	tbl, _ := setup(t)
	_, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), userExitProgram)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	gw := NewGateway(tbl)
	var frame trapframe.Frame
	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected dispatch onto the new process")
	}

	frame.EAX = Exit
	frame.EBX = 0xFFFFFFFF
	gw.Dispatch(&frame)

	if tbl.Current().Pid != 0 {
		t.Fatalf("expected the scheduler to land back on idle, got pid %d", tbl.Current().Pid)
	}
}

func TestWriteSyscallCopiesUserMessageToTerminal(t *testing.T) {
	// Scenario 6.
	tbl, out := setup(t)
	entry := addr.Virt(0x100000)
	msgOffset := 34 // the message follows the program's 34 instruction bytes
	code := buildWriteProgram(uint32(entry) + uint32(msgOffset))

	_, errc := tbl.CreateUser(entry, addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	gw := NewGateway(tbl)
	var frame trapframe.Frame
	if !tbl.Dispatch(&frame) {
		t.Fatalf("expected dispatch onto the new process")
	}

	frame.EAX = Write
	frame.EBX = 1
	frame.ECX = uint32(entry) + uint32(msgOffset)
	frame.EDX = uint32(len(userMessage))
	gw.Dispatch(&frame)

	if out.String() != string(userMessage) {
		t.Fatalf("terminal got %q, want %q", out.String(), string(userMessage))
	}
	if int32(frame.EAX) != int32(len(userMessage)) {
		t.Fatalf("EAX = %d, want %d", int32(frame.EAX), len(userMessage))
	}
}

func TestWriteSyscallRejectsOutOfRangePointer(t *testing.T) {
	tbl, _ := setup(t)
	entry := addr.Virt(0x100000)
	_, errc := tbl.CreateUser(entry, addr.Virt(0x180000), userExitProgram)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	gw := NewGateway(tbl)
	var frame trapframe.Frame
	tbl.Dispatch(&frame)

	frame.EAX = Write
	frame.EBX = 1
	frame.ECX = uint32(entry) + 0x10000 // far outside the mapped image
	frame.EDX = 4
	gw.Dispatch(&frame)

	if int32(frame.EAX) != int32(defs.EFAULT) {
		t.Fatalf("EAX = %d, want EFAULT (%d)", int32(frame.EAX), defs.EFAULT)
	}
}

func TestUnknownSyscallReturnsNegativeOne(t *testing.T) {
	tbl, _ := setup(t)
	_, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), userExitProgram)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	var seen uint32
	gw := NewGateway(tbl)
	gw.Unknown = func(n uint32) { seen = n }

	var frame trapframe.Frame
	tbl.Dispatch(&frame)
	frame.EAX = 999
	gw.Dispatch(&frame)

	if int32(frame.EAX) != -1 {
		t.Fatalf("EAX = %d, want -1", int32(frame.EAX))
	}
	if seen != 999 {
		t.Fatalf("Unknown hook saw %d, want 999", seen)
	}
}

func TestCopyInStringReadsUntilNUL(t *testing.T) {
	tbl, _ := setup(t)
	entry := addr.Virt(0x100000)
	strOffset := len(userExitProgram)
	tail := []byte("hi\x00garbage")
	code := append(append([]byte{}, userExitProgram...), tail...)

	p, errc := tbl.CreateUser(entry, addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	s, errc := CopyInString(p, entry+addr.Virt(strOffset), uint32(len(tail)))
	if errc != 0 {
		t.Fatalf("CopyInString: %s", errc)
	}
	if s != "hi" {
		t.Fatalf("CopyInString = %q, want %q", s, "hi")
	}
}

func TestCopyInStringReportsNameTooLongWithoutTerminator(t *testing.T) {
	tbl, _ := setup(t)
	entry := addr.Virt(0x100000)
	strOffset := len(userExitProgram)
	code := append(append([]byte{}, userExitProgram...), []byte("nonulhere")...)

	p, errc := tbl.CreateUser(entry, addr.Virt(0x180000), code)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	_, errc = CopyInString(p, entry+addr.Virt(strOffset), 4)
	if errc != defs.ENAMETOOLONG {
		t.Fatalf("CopyInString errc = %s, want ENAMETOOLONG", errc)
	}
}

func TestGetPidReturnsCurrentPid(t *testing.T) {
	tbl, _ := setup(t)
	p, errc := tbl.CreateUser(addr.Virt(0x100000), addr.Virt(0x180000), userExitProgram)
	if errc != 0 {
		t.Fatalf("CreateUser: %s", errc)
	}

	gw := NewGateway(tbl)
	var frame trapframe.Frame
	tbl.Dispatch(&frame)

	frame.EAX = GetPid
	gw.Dispatch(&frame)
	if defs.Pid_t(frame.EAX) != p.Pid {
		t.Fatalf("EAX = %d, want pid %d", frame.EAX, p.Pid)
	}
}

// Package sched is the process table and round-robin scheduler: slot
// allocation, initial stack-frame manufacture for both kernel and user
// processes, and the dispatch routine invoked from the timer IRQ and
// any syscall that yields.
package sched

import (
	"fmt"
	"time"

	"github.com/lesniakbj/bren-os-rewrite/accnt"
	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/cpu"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/heap"
	"github.com/lesniakbj/bren-os-rewrite/limits"
	"github.com/lesniakbj/bren-os-rewrite/pfa"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
	"github.com/lesniakbj/bren-os-rewrite/vfs"
	"github.com/lesniakbj/bren-os-rewrite/vmm"
)

// KernelStackSize is the fixed size of every process's kernel stack.
const KernelStackSize = 0x4000 // 16KB, per kernel_layout.h

// MaxOpenFiles is the fixed capacity of a process's fd table.
const MaxOpenFiles = 8

// Kind distinguishes a kernel-mode thread from a user-mode process;
// only a User process owns its page directory exclusively.
type Kind int

const (
	Kernel Kind = iota
	User
)

// Process is one process-table slot.
type Process struct {
	Used   bool
	Pid    defs.Pid_t
	Parent defs.Pid_t
	State  State
	Kind   Kind

	// Dir is the address space this process runs in: the shared kernel
	// directory for a Kernel process, an exclusively owned directory
	// for a User process.
	Dir *vmm.AddressSpace

	// KernelStackBase is the heap pointer of the region backing this
	// process's kernel stack, and what Free is called with on reclaim.
	KernelStackBase addr.Virt

	// Frame is this process's saved register snapshot. A real build
	// would find this at the top of the kernel stack; here it is tracked as
	// a typed Go value since nothing ever interprets the kernel stack
	// bytes directly (cpu.Arch owns every real restore/iret).
	Frame trapframe.Frame

	// UserCode is the byte image mapped at this process's user code
	// address, kept for inspection since pfa/vmm model physical frames
	// as pure bookkeeping with no backing bytes. Nil for a Kernel
	// process. UserCodeBase is the page-aligned virtual address
	// UserCode[0] corresponds to, letting the syscall gateway resolve
	// any address a user pointer names back into this slice.
	UserCode     []byte
	UserCodeBase addr.Virt

	Files [MaxOpenFiles]vfs.Node

	Accounting accnt.Accnt_t
}

// Table is the fixed-capacity process table plus the round-robin
// cursor and shared resources every Create call needs.
type Table struct {
	procs   [limits.MaxProcesses]Process
	current int
	nextPid defs.Pid_t

	arch      cpu.Arch
	mgr       *vmm.Manager
	frames    *pfa.Allocator
	kernelDir *vmm.AddressSpace
	heap      *heap.Heap

	// lastTick is the arch clock reading as of the last Dispatch call,
	// the baseline Dispatch charges elapsed time against before
	// considering a switch.
	lastTick time.Duration
}

// TerminalPath is the name boot registers the console device node
// under; Init looks it up to populate process 0's fds 1/2.
const TerminalPath = "/dev/tty"

// Init installs process 0, the idle task: used, Running, pid 0, owning
// the shared kernel directory, from kernel start onward. It is never
// removed.
// devices is the registry boot populated with the terminal and serial
// nodes; Init looks up TerminalPath and installs it on fds 1 and 2 so
// every process created afterwards inherits it via the snapshot-copy
// creation step. A nil devices, or a registry with no TerminalPath
// entry, leaves fds 1/2 nil, same as the idle process having no
// creator to inherit from.
func Init(arch cpu.Arch, mgr *vmm.Manager, frames *pfa.Allocator, kernelDir *vmm.AddressSpace, h *heap.Heap, devices *vfs.Registry) *Table {
	t := &Table{arch: arch, mgr: mgr, frames: frames, kernelDir: kernelDir, heap: h, nextPid: 1}
	t.lastTick = arch.Now()
	t.procs[0] = Process{
		Used:   true,
		Pid:    0,
		Parent: defs.NoPid,
		State:  Running,
		Kind:   Kernel,
		Dir:    kernelDir,
	}
	var terminal vfs.Node
	if devices != nil {
		terminal, _ = devices.Lookup(TerminalPath)
	}
	t.procs[0].Files[1] = terminal
	t.procs[0].Files[2] = terminal
	limits.Syslimit.Sysprocs.Take() // process 0 occupies a permanent slot
	return t
}

// Current returns the process currently selected to run.
func (t *Table) Current() *Process { return &t.procs[t.current] }

func (t *Table) findFreeSlot() int {
	for i := range t.procs {
		if !t.procs[i].Used {
			return i
		}
	}
	return -1
}

func (t *Table) allocKernelStack() (addr.Virt, defs.Err_t) {
	ptr, errc := t.heap.Alloc(KernelStackSize)
	if errc != 0 {
		return 0, errc
	}
	return ptr, 0
}

// CreateKernel allocates a slot for a kernel-mode process entering at
// entry. It fails closed, per PROC creation step 1, if the table or
// the system-wide process limit is exhausted.
func (t *Table) CreateKernel(entry uintptr) (*Process, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, defs.ENOPROC
	}
	idx := t.findFreeSlot()
	if idx < 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, defs.ENOPROC
	}

	stackBase, errc := t.allocKernelStack()
	if errc != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, errc
	}
	stackTop := uintptr(stackBase) + KernelStackSize

	p := &t.procs[idx]
	*p = Process{
		Used:            true,
		Pid:             t.nextPid,
		Parent:          t.Current().Pid,
		State:           FirstRun,
		Kind:            Kernel,
		Dir:             t.kernelDir,
		KernelStackBase: stackBase,
		Frame:           trapframe.NewKernel(entry, stackTop),
		Files:           t.Current().Files,
	}
	t.nextPid++
	return p, 0
}

// CreateUser is CreateKernel plus a fresh address space, mapped code
// and stack pages, and a ring3-dropping initial frame (PROC creation,
// user-mode variant).
func (t *Table) CreateUser(entry, userStackTop addr.Virt, code []byte) (*Process, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, defs.ENOPROC
	}
	idx := t.findFreeSlot()
	if idx < 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, defs.ENOPROC
	}

	stackBase, errc := t.allocKernelStack()
	if errc != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, errc
	}
	stackTop := uintptr(stackBase) + KernelStackSize

	as, err := t.mgr.CreateUserDirectory(t.kernelDir)
	if err != nil {
		limits.Syslimit.Sysprocs.Give()
		return nil, defs.ENOMEM
	}

	codeFrame, errc := t.frames.Alloc()
	if errc != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, errc
	}
	if err := t.mgr.MapPage(as, entry.PageDown(), codeFrame, vmm.User); err != nil {
		limits.Syslimit.Sysprocs.Give()
		return nil, defs.ENOMEM
	}

	stackFrame, errc := t.frames.Alloc()
	if errc != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, errc
	}
	if err := t.mgr.MapPage(as, userStackTop.PageDown(), stackFrame, vmm.User|vmm.Writable); err != nil {
		limits.Syslimit.Sysprocs.Give()
		return nil, defs.ENOMEM
	}

	frame := trapframe.NewUser(uintptr(entry), uintptr(userStackTop))
	frame.ESP = uint32(stackTop)

	p := &t.procs[idx]
	*p = Process{
		Used:            true,
		Pid:             t.nextPid,
		Parent:          t.Current().Pid,
		State:           FirstRun,
		Kind:            User,
		Dir:             as,
		KernelStackBase: stackBase,
		Frame:           frame,
		Files:           t.Current().Files,
		UserCode:        append([]byte(nil), code...),
		UserCodeBase:    entry.PageDown(),
	}
	t.nextPid++
	return p, 0
}

// Exit marks the current process Exited; the scheduler reclaims its
// slot on the next pass (Q2: reclaim-on-next-pass rather than the
// source's indefinite leak).
func (t *Table) Exit(status int32) {
	t.Current().State = Exited
}

// Dispatch is the common scheduling routine, invoked from the timer
// IRQ handler and any syscall that yields. frame is the trapframe the
// currently running process just trapped through; Dispatch saves it
// before considering a switch. It reports whether a switch occurred.
func (t *Table) Dispatch(frame *trapframe.Frame) bool {
	cur := t.Current()
	t.chargeElapsed(cur)
	if cur.State == Running || cur.State == FirstRun {
		cur.Frame = *frame
	}

	reclaim(t, t.current)

	next := -1
	for off := 1; off <= len(t.procs); off++ {
		idx := (t.current + off) % len(t.procs)
		if t.procs[idx].Used && t.procs[idx].State.runnable() {
			next = idx
			break
		}
	}
	if next == -1 || next == t.current {
		return false
	}

	np := &t.procs[next]
	stackTop := uintptr(np.KernelStackBase) + KernelStackSize
	t.arch.SetKernelStack(stackTop)
	t.arch.SetCR3(np.Dir.Dir())

	firstUserDispatch := np.State == FirstRun && np.Kind == User
	if np.State == FirstRun {
		np.State = Running
	}
	t.current = next

	if firstUserDispatch {
		t.arch.SwitchToUserFirst(uintptr(np.Frame.ESP))
	} else {
		t.arch.SwitchTo(uintptr(np.Frame.ESP))
	}
	return true
}

// chargeElapsed adds the time since the last Dispatch call to p's
// user- or system-time counter, depending on whether p is a User or
// Kernel process. Called once per Dispatch, before any switch
// decision, so every tick is attributed to whoever was actually
// running through it.
func (t *Table) chargeElapsed(p *Process) {
	now := t.arch.Now()
	elapsed := now - t.lastTick
	t.lastTick = now
	if elapsed <= 0 {
		return
	}
	if p.Kind == User {
		p.Accounting.Utadd(int64(elapsed))
	} else {
		p.Accounting.Systadd(int64(elapsed))
	}
}

// reclaim frees an Exited slot's kernel stack, and for a User process
// its exclusively owned address space, then returns the slot's
// process-table and system-limit capacity. This implements Q2's
// eager-reclaim-on-next-pass policy rather than the source's
// indefinite leak. idx is never the idle process.
func reclaim(t *Table, idx int) {
	p := &t.procs[idx]
	if p.Pid == 0 || p.State != Exited || !p.Used {
		return
	}
	if errc := t.heap.Free(p.KernelStackBase); errc != 0 {
		panic(fmt.Sprintf("sched: reclaiming pid %d: %s", p.Pid, errc))
	}
	if p.Kind == User {
		if err := t.mgr.Destroy(p.Dir); err != nil {
			panic(fmt.Sprintf("sched: reclaiming pid %d: %v", p.Pid, err))
		}
	}
	*p = Process{}
	limits.Syslimit.Sysprocs.Give()
}

// Package syscall is the INT 0x80 gateway: it decodes EAX/EBX/ECX/EDX
// per the recognized-syscall table, validates any user pointers before
// touching them, and writes a return value back into EAX.
package syscall

import (
	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/defs"
	"github.com/lesniakbj/bren-os-rewrite/sched"
	"github.com/lesniakbj/bren-os-rewrite/trapframe"
)

// Recognized syscall numbers.
const (
	Yield  = 50
	Exit   = 51
	GetPid = 55
	Write  = 60
)

// Gateway dispatches a trapped INT 0x80 to the process table.
type Gateway struct {
	procs *sched.Table
	// Unknown, if set, is called with the unrecognized syscall number
	// before EAX is set to -1, e.g. to log it.
	Unknown func(number uint32)
}

// NewGateway returns a Gateway dispatching against procs.
func NewGateway(procs *sched.Table) *Gateway {
	return &Gateway{procs: procs}
}

// Dispatch decodes frame.EAX and acts on it, leaving a return value in
// frame.EAX (except for yield/exit, which hand control to the
// scheduler and never return a meaningful EAX to the caller they came
// from).
func (g *Gateway) Dispatch(frame *trapframe.Frame) {
	switch frame.EAX {
	case Yield:
		g.procs.Dispatch(frame)
	case Exit:
		g.procs.Exit(int32(frame.EBX))
		g.procs.Dispatch(frame)
	case GetPid:
		frame.EAX = uint32(g.procs.Current().Pid)
	case Write:
		n, errc := g.write(frame.EBX, addr.Virt(frame.ECX), frame.EDX)
		if errc != 0 {
			frame.EAX = uint32(int32(errc))
		} else {
			frame.EAX = uint32(n)
		}
	default:
		if g.Unknown != nil {
			g.Unknown(frame.EAX)
		}
		frame.EAX = ^uint32(0) // -1
	}
}

func (g *Gateway) write(fd uint32, va addr.Virt, count uint32) (int, defs.Err_t) {
	cur := g.procs.Current()
	if fd >= sched.MaxOpenFiles {
		return 0, defs.EBADF
	}
	node := cur.Files[fd]
	if node == nil {
		return 0, defs.EBADF
	}
	buf, errc := CopyInBytes(cur, va, count)
	if errc != 0 {
		return 0, errc
	}
	n, err := node.Write(buf)
	if err != nil {
		return 0, defs.EFAULT
	}
	return n, 0
}

// ValidateUserPointer reports whether [va, va+n) lies entirely within
// p's mapped user code image, the only user-backed memory this kernel
// actually stores bytes for.
func ValidateUserPointer(p *sched.Process, va addr.Virt, n uint32) defs.Err_t {
	if p.Kind != sched.User {
		return defs.EINVAL
	}
	if va < p.UserCodeBase {
		return defs.EFAULT
	}
	off := uint64(va - p.UserCodeBase)
	if off+uint64(n) > uint64(len(p.UserCode)) {
		return defs.EFAULT
	}
	return 0
}

// CopyInBytes validates and copies n bytes starting at va out of p's
// user image.
func CopyInBytes(p *sched.Process, va addr.Virt, n uint32) ([]byte, defs.Err_t) {
	if errc := ValidateUserPointer(p, va, n); errc != 0 {
		return nil, errc
	}
	off := uint32(va - p.UserCodeBase)
	out := make([]byte, n)
	copy(out, p.UserCode[off:off+n])
	return out, 0
}

// CopyInString copies a NUL-terminated string out of p's user image,
// starting at va, failing with ENAMETOOLONG if no terminator appears
// within maxlen bytes.
func CopyInString(p *sched.Process, va addr.Virt, maxlen uint32) (string, defs.Err_t) {
	if errc := ValidateUserPointer(p, va, maxlen); errc != 0 {
		return "", errc
	}
	off := uint32(va - p.UserCodeBase)
	chunk := p.UserCode[off : off+maxlen]
	for i, b := range chunk {
		if b == 0 {
			return string(chunk[:i]), 0
		}
	}
	return "", defs.ENAMETOOLONG
}

// Package accnt tracks per-process CPU-time accounting: nanoseconds
// spent in user mode versus nanoseconds spent in the kernel on the
// process's behalf. It is not exercised by any syscall this kernel
// recognizes; the scheduler updates it on every dispatch so the
// bookkeeping exists and is correct for whenever a usage-reporting
// syscall is added.
package accnt

import (
	"sync"
	"sync/atomic"
)

// Accnt_t accumulates user/system time for one process. The embedded
// mutex lets a caller take a consistent snapshot via Fetch while the
// counters themselves are updated lock-free.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Snapshot is a consistent point-in-time copy of both counters.
type Snapshot struct {
	Userns int64
	Sysns  int64
}

// Fetch locks a and returns a consistent snapshot of both counters.
func (a *Accnt_t) Fetch() Snapshot {
	a.Lock()
	defer a.Unlock()
	return Snapshot{Userns: a.Userns, Sysns: a.Sysns}
}

// Add merges n's counters into a, e.g. when a child's usage is folded
// into a parent on reclaim.
func (a *Accnt_t) Add(n *Accnt_t) {
	s := n.Fetch()
	a.Lock()
	a.Userns += s.Userns
	a.Sysns += s.Sysns
	a.Unlock()
}

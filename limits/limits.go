// Package limits tracks the system-wide resource caps this kernel
// enforces. The source this replaces sizes a whole constellation of
// subsystems (vnodes, futexes, sockets, bdev blocks); this core only
// has one such subsystem — the process table — so only that limit is
// carried forward. The atomic take/give primitive is kept general
// because any future resource (open-file-table slots, heap
// reservations) would want the same shape.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically reserved from
// and returned to.
type Sysatomic_t struct {
	n int64
}

// NewSysatomic returns a limit initialized to n.
func NewSysatomic(n int64) *Sysatomic_t {
	return &Sysatomic_t{n: n}
}

// Taken tries to decrement the limit by n, reporting whether it
// succeeded; a failed attempt leaves the limit unchanged.
func (s *Sysatomic_t) Taken(n int64) bool {
	if atomic.AddInt64(&s.n, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&s.n, n)
	return false
}

// Given returns n units to the limit.
func (s *Sysatomic_t) Given(n int64) {
	atomic.AddInt64(&s.n, n)
}

// Take reserves a single unit.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give returns a single unit.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Remaining reports the current count, racy by construction (same as
// reading any atomic counter mid-flight) and meant for diagnostics
// only.
func (s *Sysatomic_t) Remaining() int64 { return atomic.LoadInt64(&s.n) }

// Syslimit_t holds the configured system-wide limits.
type Syslimit_t struct {
	// Sysprocs bounds the number of live process-table slots.
	Sysprocs *Sysatomic_t
}

// MaxProcesses is the process table's fixed capacity.
const MaxProcesses = 64

// Syslimit is the default set of system-wide limits.
var Syslimit = &Syslimit_t{Sysprocs: NewSysatomic(MaxProcesses)}

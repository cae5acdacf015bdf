package sched

//go:generate stringer -type=State

// State is a process's position in the lifecycle diagram the
// scheduler exhausts with a single predicate: runnable iff used and
// (Running or FirstRun). Paused and Killed are reserved for future
// blocking-IO work and are never assigned by this kernel.
type State int32

const (
	Stopped State = iota
	FirstRun
	Running
	Paused
	Killed
	Exited
)

func (s State) runnable() bool { return s == Running || s == FirstRun }

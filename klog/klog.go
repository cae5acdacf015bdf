// Package klog is the kernel's leveled logger. It mirrors log_print's
// three-part line (call site, level header, message) and its
// lock-only-if-interrupts-were-enabled rule: a log call made from
// inside an IRQ handler (interrupts already disabled) must not block
// on a lock another log call might be holding, since on a single CPU
// nothing will ever run to release it.
package klog

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/lesniakbj/bren-os-rewrite/cpu"
)

// Level orders log severities; Panic additionally halts the CPU after
// emitting its message.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Err
	Panic
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Err:
		return "ERROR"
	case Panic:
		return "PANIC"
	default:
		return "UNKNOWN"
	}
}

// Logger fans every emitted line out to one or more sinks (a real
// boot build wires a serial port and the VGA/framebuffer console; a
// test wires a bytes.Buffer).
type Logger struct {
	arch  cpu.Arch
	mu    sync.Mutex
	sinks []io.Writer
	min   Level

	printer *message.Printer
}

// New returns a Logger that writes to sinks, gated by arch's IRQ state
// to decide whether it's safe to take the internal lock.
func New(arch cpu.Arch, sinks ...io.Writer) *Logger {
	return &Logger{
		arch:    arch,
		sinks:   sinks,
		min:     Debug,
		printer: message.NewPrinter(language.English),
	}
}

// SetMinLevel suppresses any line below level.
func (l *Logger) SetMinLevel(level Level) { l.min = level }

func (l *Logger) emit(level Level, format string, args ...interface{}) {
	if level < l.min {
		return
	}

	// Only take the lock if we observe interrupts were enabled on
	// entry; a call from an IRQ handler already runs with IRQs
	// disabled and must not block, matching check_interrupts_enabled.
	takeLock := l.arch == nil || l.arch.IRQEnabled()
	if l.arch != nil {
		// Interrupts stay masked until the line is written and the
		// lock released, the same pair cpu.Critical applies.
		was := l.arch.IRQDisable()
		defer l.arch.IRQRestore(was)
	}
	if takeLock {
		l.mu.Lock()
		defer l.mu.Unlock()
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "?", 0
	}

	line0 := fmt.Sprintf("%s.%d :: [%s] :: %s\n", file, line, level, fmt.Sprintf(format, args...))
	for _, s := range l.sinks {
		io.WriteString(s, line0)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit(Warn, format, args...) }
func (l *Logger) Errf(format string, args ...interface{})   { l.emit(Err, format, args...) }

// Panicf emits a fatal line, a short backtrace of the call chain that
// led to it, and halts the CPU — the Go equivalent of
// general_protection_fault_handler's else-branch (halt when the
// faulting context is not a user process).
func (l *Logger) Panicf(format string, args ...interface{}) {
	l.emit(Panic, format, args...)
	for _, frame := range Backtrace(2, 8) {
		l.emit(Panic, "  at %s", frame)
	}
	if l.arch != nil {
		l.arch.Halt()
	}
}

// FormatBytes renders n with locale-aware thousands separators, e.g.
// for a heap/pfa usage report in a diagnostic log line.
func (l *Logger) FormatBytes(n uint64) string {
	return l.printer.Sprintf("%d", n)
}

// Backtrace returns up to depth caller frames above its own caller,
// formatted as "function (file:line)", for a fatal-fault dump. Returns
// the lines instead of printing them directly so callers can route
// them through klog's own sinks.
func Backtrace(skip, depth int) []string {
	out := make([]string, 0, depth)
	for i := 0; i < depth; i++ {
		pc, file, line, ok := runtime.Caller(skip + i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		out = append(out, fmt.Sprintf("%s (%s:%d)", name, file, line))
	}
	return out
}

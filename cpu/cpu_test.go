package cpu

import "testing"

func TestCriticalRestoresPriorState(t *testing.T) {
	a := NewSimulated()

	Critical(a, func() {
		if a.IRQEnabled() {
			t.Fatalf("IRQs should be disabled inside Critical")
		}
	})
	if !a.IRQEnabled() {
		t.Fatalf("IRQs should be restored after Critical")
	}
}

func TestCriticalRestoresDisabledState(t *testing.T) {
	a := NewSimulated()
	a.IRQDisable()

	Critical(a, func() {})

	if a.IRQEnabled() {
		t.Fatalf("Critical should not re-enable IRQs that were already disabled")
	}
}

func TestCriticalRestoresOnPanic(t *testing.T) {
	a := NewSimulated()

	func() {
		defer func() { recover() }()
		Critical(a, func() { panic("boom") })
	}()

	if !a.IRQEnabled() {
		t.Fatalf("IRQs should be restored even when fn panics")
	}
}

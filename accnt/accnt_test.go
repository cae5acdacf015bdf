package accnt

import "testing"

func TestUtaddSystaddAccumulate(t *testing.T) {
	var a Accnt_t
	a.Utadd(100)
	a.Utadd(50)
	a.Systadd(25)

	s := a.Fetch()
	if s.Userns != 150 || s.Sysns != 25 {
		t.Fatalf("Fetch = %+v, want {150 25}", s)
	}
}

func TestAddMergesCounters(t *testing.T) {
	var parent, child Accnt_t
	parent.Utadd(10)
	child.Utadd(5)
	child.Systadd(3)

	parent.Add(&child)

	s := parent.Fetch()
	if s.Userns != 15 || s.Sysns != 3 {
		t.Fatalf("Fetch = %+v, want {15 3}", s)
	}
}

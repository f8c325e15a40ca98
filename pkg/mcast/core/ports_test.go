package core

import "testing"

func TestPortsIdentifierAssignIsIdempotent(t *testing.T) {
	p := NewPortsIdentifier(6001)

	port, isNew := p.Assign("device-a")
	if !isNew || port != 6001 {
		t.Fatalf("first assign = (%d, %v), want (6001, true)", port, isNew)
	}

	again, isNew := p.Assign("device-a")
	if isNew || again != 6001 {
		t.Fatalf("repeat assign = (%d, %v), want (6001, false)", again, isNew)
	}
}

func TestPortsIdentifierAssignsDistinctPorts(t *testing.T) {
	p := NewPortsIdentifier(6001)

	a, _ := p.Assign("device-a")
	b, _ := p.Assign("device-b")

	if a == b {
		t.Fatalf("device-a and device-b both got port %d", a)
	}
}

func TestPortsIdentifierObserveAdvancesNextPort(t *testing.T) {
	p := NewPortsIdentifier(6001)
	p.Observe(6050)

	port, isNew := p.Assign("device-a")
	if !isNew || port != 6051 {
		t.Fatalf("assign after observe = (%d, %v), want (6051, true)", port, isNew)
	}
}

func TestPortsIdentifierObserveIgnoresLowerPort(t *testing.T) {
	p := NewPortsIdentifier(6001)
	p.Observe(5000)

	port, _ := p.Assign("device-a")
	if port != 6001 {
		t.Fatalf("assign after observing a lower port = %d, want 6001", port)
	}
}

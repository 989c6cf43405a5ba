package protocol

import "testing"

func TestCommandNameForUsesRegisteredAlias(t *testing.T) {
	m := NewMethodMapper(false)
	m.Register("OrderService", "Create", "orders.create")

	got, err := m.CommandNameFor("OrderService.Create")
	if err != nil {
		t.Fatalf("CommandNameFor: %v", err)
	}
	if got != "orders.create" {
		t.Fatalf("got %q, want orders.create", got)
	}
}

func TestCommandNameForFallsBackToMethod(t *testing.T) {
	var m MethodMapper
	got, err := m.CommandNameFor("Inventory.Reserve")
	if err != nil {
		t.Fatalf("CommandNameFor: %v", err)
	}
	if got != "Reserve" {
		t.Fatalf("got %q, want Reserve", got)
	}
}

func TestCommandNameForStrict(t *testing.T) {
	m := NewMethodMapper(true)
	if _, err := m.CommandNameFor("Billing.Charge"); err == nil {
		t.Fatalf("expected error for unregistered method in strict mode")
	}

	m.SetStrict(false)
	if got, err := m.CommandNameFor("Billing.Charge"); err != nil || got != "Charge" {
		t.Fatalf("got %q, %v after disabling strict mode", got, err)
	}
}

func TestMappersAreIndependent(t *testing.T) {
	a := NewMethodMapper(false)
	b := NewMethodMapper(false)
	a.Register("Users", "Get", "users.get")

	if got, _ := b.CommandNameFor("Users.Get"); got != "Get" {
		t.Fatalf("alias leaked across mappers: got %q", got)
	}
}

func TestCommandNameForRejectsMalformed(t *testing.T) {
	m := NewMethodMapper(false)
	for _, in := range []string{"", "NoDot", ".Method", "Service."} {
		if _, err := m.CommandNameFor(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestRegisterFullMethodConflictPanics(t *testing.T) {
	m := NewMethodMapper(false)
	m.RegisterFullMethod("Users.Get", "users.get")
	// Same binding again is fine.
	m.RegisterFullMethod("Users.Get", "users.get")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on conflicting binding")
		}
	}()
	m.RegisterFullMethod("Users.Get", "users.fetch")
}

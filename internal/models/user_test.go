package models

import "testing"

func TestParseRole(t *testing.T) {
	cases := map[string]Role{"doctor": RoleDoctor, " Patient ": RolePatient}
	for in, want := range cases {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRole("nurse"); err != ErrInvalidRole {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestRoleCounterpart(t *testing.T) {
	if RoleDoctor.Counterpart() != RolePatient || RolePatient.Counterpart() != RoleDoctor {
		t.Fatalf("counterpart mismatch")
	}
	if Role("admin").Valid() {
		t.Fatalf("admin must not be a valid role")
	}
}

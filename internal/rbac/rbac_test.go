package rbac

import "testing"

func TestCanMatrix(t *testing.T) {
	cases := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleOwner, CapRead, true},
		{RoleOwner, CapWrite, true},
		{RoleOwner, CapComplete, true},
		{RoleOwner, CapDelete, true},
		{RoleOwner, CapShare, true},
		{RoleEditor, CapRead, true},
		{RoleEditor, CapWrite, true},
		{RoleEditor, CapComplete, true},
		{RoleEditor, CapDelete, false},
		{RoleEditor, CapShare, false},
		{RoleViewer, CapRead, true},
		{RoleViewer, CapWrite, false},
		{RoleViewer, CapComplete, false},
		{RoleViewer, CapDelete, false},
		{RoleViewer, CapShare, false},
		{RoleNone, CapRead, false},
		{RoleNone, CapWrite, false},
		{RoleNone, CapDelete, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.cap); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.cap, got, tc.want)
		}
	}
}

func TestResolveOwnerWinsOverGrant(t *testing.T) {
	// A stray grant for the owner must never demote them.
	if got := Resolve("usr_1", "usr_1", RoleViewer, true); got != RoleOwner {
		t.Errorf("Resolve owner with grant = %s, want owner", got)
	}
}

func TestResolveGrantAndNone(t *testing.T) {
	if got := Resolve("usr_1", "usr_2", RoleEditor, true); got != RoleEditor {
		t.Errorf("Resolve granted editor = %s, want editor", got)
	}
	if got := Resolve("usr_1", "usr_2", "", false); got != RoleNone {
		t.Errorf("Resolve without grant = %s, want none", got)
	}
}

func TestResolveEmptyUser(t *testing.T) {
	if got := Resolve("", "", "", false); got != RoleNone {
		t.Errorf("Resolve with empty ids = %s, want none", got)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"editor", RoleEditor, true},
		{"viewer", RoleViewer, true},
		{"lector", RoleViewer, true},
		{"  Editor ", RoleEditor, true},
		{"VIEWER", RoleViewer, true},
		{"owner", "", false},
		{"admin", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Normalize(%q) = (%s, %v), want (%s, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

package membership

import "testing"

func TestIsElevated(t *testing.T) {
	cases := []struct {
		role Role
		want bool
	}{
		{RoleMember, false},
		{RoleAdmin, true},
		{RoleOwner, true},
		{Role("guest"), false},
	}
	for _, tc := range cases {
		if got := IsElevated(tc.role); got != tc.want {
			t.Errorf("IsElevated(%q) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("owner") != RoleOwner {
		t.Errorf("expected owner to survive normalization")
	}
	if Normalize("") != RoleMember {
		t.Errorf("expected empty role to normalize to member")
	}
	if Normalize("superuser") != RoleMember {
		t.Errorf("expected unknown role to normalize to member")
	}
}

package policy

import (
	"testing"

	"fileshare/internal/quota"
	"fileshare/pkg/domain"
)

func TestCanUpload(t *testing.T) {
	cases := map[domain.UserRole]bool{
		domain.RoleGuest:   false,
		domain.RoleRegular: true,
		domain.RoleAdmin:   true,
		"unknown":          false,
	}
	for role, want := range cases {
		if got := CanUpload(role); got != want {
			t.Fatalf("CanUpload(%q) = %v, want %v", role, got, want)
		}
	}
}

func TestCanManageRoles(t *testing.T) {
	if !CanManageRoles(domain.RoleAdmin) {
		t.Fatalf("admin must manage roles")
	}
	if CanManageRoles(domain.RoleRegular) || CanManageRoles(domain.RoleGuest) {
		t.Fatalf("only admins manage roles")
	}
}

func TestOwnershipChecks(t *testing.T) {
	owner := domain.User{ID: "u1", Role: domain.RoleRegular}
	admin := domain.User{ID: "a1", Role: domain.RoleAdmin}
	file := domain.File{ID: "f1", OwnerID: "u1"}

	if !CanDelete(owner, file) || !CanShare(owner, file) {
		t.Fatalf("owner must delete and share")
	}
	if CanDelete(admin, file) || CanShare(admin, file) {
		t.Fatalf("admin is not the owner")
	}
	if CanDelete(domain.User{}, domain.File{}) {
		t.Fatalf("empty ids must never match")
	}
}

func TestLimits(t *testing.T) {
	if MaxUploadBytes(domain.RoleAdmin) != 10<<20 {
		t.Fatalf("admin upload limit mismatch")
	}
	if MaxUploadBytes(domain.RoleRegular) != 5<<20 || MaxUploadBytes(domain.RoleGuest) != 5<<20 {
		t.Fatalf("default upload limit mismatch")
	}
	if AllocatedBytes(domain.RoleRegular) != quota.RegularBytes {
		t.Fatalf("allocated bytes must come from the quota table")
	}
}

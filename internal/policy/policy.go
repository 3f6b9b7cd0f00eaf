// Package policy holds the role and ownership checks applied to every file operation.
package policy

import (
	"fileshare/internal/quota"
	"fileshare/pkg/domain"
)

const (
	AdminMaxUploadBytes   = 10 << 20
	DefaultMaxUploadBytes = 5 << 20
)

// CanUpload is false only for guests.
func CanUpload(role domain.UserRole) bool {
	return role.Valid() && role != domain.RoleGuest
}

func CanManageRoles(role domain.UserRole) bool {
	return role == domain.RoleAdmin
}

func CanDelete(user domain.User, file domain.File) bool {
	return user.ID != "" && user.ID == file.OwnerID
}

func CanShare(user domain.User, file domain.File) bool {
	return user.ID != "" && user.ID == file.OwnerID
}

// MaxUploadBytes is the per-file size limit for role.
func MaxUploadBytes(role domain.UserRole) int64 {
	if role == domain.RoleAdmin {
		return AdminMaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

func AllocatedBytes(role domain.UserRole) int64 {
	return quota.Allocated(role)
}

package domain

import (
	"strings"
	"time"
)

// UserRole is an ordered enumeration: guest < regular < admin.
type UserRole string

const (
	RoleGuest   UserRole = "guest"
	RoleRegular UserRole = "regular"
	RoleAdmin   UserRole = "admin"
)

var roleRank = map[UserRole]int{
	RoleGuest:   0,
	RoleRegular: 1,
	RoleAdmin:   2,
}

// Rank returns the position of the role in the ladder. Unknown roles rank as guest.
func (r UserRole) Rank() int {
	return roleRank[r]
}

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Next returns the role one rung above r. ok is false when r is already admin.
func (r UserRole) Next() (UserRole, bool) {
	switch r {
	case RoleAdmin:
		return "", false
	case RoleRegular:
		return RoleAdmin, true
	default:
		return RoleRegular, true
	}
}

// ParseUserRole normalises and validates a role string.
func ParseUserRole(raw string) (UserRole, bool) {
	role := UserRole(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", false
	}
	return role, true
}

type FileStatus string

const (
	FilePrivate FileStatus = "private"
	FilePublic  FileStatus = "public"
)

// ParseFileStatus accepts private/public; empty input means private.
func ParseFileStatus(raw string) (FileStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FilePrivate):
		return FilePrivate, true
	case string(FilePublic):
		return FilePublic, true
	default:
		return "", false
	}
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	MFAEnabled   bool      `json:"isMFAenabled"`
	MFASecret    string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type File struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Extension     string     `json:"extension"`
	SizeBytes     int64      `json:"size"`
	OwnerID       string     `json:"ownerId"`
	OwnerEmail    string     `json:"ownerEmail,omitempty"`
	Status        FileStatus `json:"status"`
	DownloadToken string     `json:"downloadLink,omitempty"`
	ExpiryAt      *time.Time `json:"expiryDate,omitempty"`
	StorageKey    string     `json:"-"`
	ContentType   string     `json:"-"`
	SharedWith    []string   `json:"sharedWith,omitempty"`
	CreatedAt     time.Time  `json:"uploadedDate"`
}

// ExtensionOf returns the substring after the last dot of name, or "" when there is none.
func ExtensionOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

// Expired reports whether the file's expiry lies before now.
func (f File) Expired(now time.Time) bool {
	return f.ExpiryAt != nil && f.ExpiryAt.Before(now)
}

type QuotaEntry struct {
	UserID    string    `json:"userId"`
	UsedBytes int64     `json:"usedBytes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RoleUpgradeRequest struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	UserEmail     string        `json:"userEmail,omitempty"`
	CurrentRole   UserRole      `json:"currentRole"`
	RequestedRole UserRole      `json:"requestedRole"`
	Status        RequestStatus `json:"status"`
	RequestedAt   time.Time     `json:"requestedAt"`
	DecidedAt     *time.Time    `json:"decidedAt,omitempty"`
	DecidedBy     string        `json:"decidedBy,omitempty"`
}

type ActivityAction string

const (
	ActionUpload        ActivityAction = "upload"
	ActionDelete        ActivityAction = "delete"
	ActionShare         ActivityAction = "share"
	ActionRoleRequest   ActivityAction = "role_request"
	ActionRoleApprove   ActivityAction = "role_approve"
	ActionRoleReject    ActivityAction = "role_reject"
	ActionRoleDowngrade ActivityAction = "role_downgrade"
	ActionRoleUpdate    ActivityAction = "role_update"
)

type Activity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Action    ActivityAction `json:"action"`
	SubjectID string         `json:"subjectId"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

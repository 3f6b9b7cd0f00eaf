package store

import (
	"context"
	"errors"
	"time"

	"fileshare/pkg/domain"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// Store defines persistence operations for users, files, quota, role requests and activity.
type Store interface {
	// Atomic runs fn inside one transaction. The Store handed to fn is bound to
	// that transaction; returning an error rolls every write back.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	// users
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	// LockUser reads a user and holds a row lock until the surrounding transaction ends.
	LockUser(ctx context.Context, id string) (domain.User, bool, error)
	SetUserRole(ctx context.Context, id string, role domain.UserRole) error
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListUsersWithoutMFA(ctx context.Context, joinedSince time.Time) ([]domain.User, error)
	CountUsersWithoutMFA(ctx context.Context) (int, error)

	// quota ledger
	GetQuota(ctx context.Context, userID string) (domain.QuotaEntry, error)
	// LockQuota creates the ledger row if missing and locks it for the rest of the transaction.
	LockQuota(ctx context.Context, userID string) (domain.QuotaEntry, error)
	SetQuotaUsed(ctx context.Context, userID string, used int64) error

	// files
	CreateFile(ctx context.Context, f domain.File) error
	GetFile(ctx context.Context, id string) (domain.File, bool, error)
	GetFileByToken(ctx context.Context, token string) (domain.File, bool, error)
	UpdateFileSharing(ctx context.Context, id string, status domain.FileStatus, token string) error
	AddFileShares(ctx context.Context, fileID string, userIDs []string) error
	DeleteFile(ctx context.Context, id string) error
	ListFilesByOwner(ctx context.Context, ownerID string) ([]domain.File, error)
	ListFilesSharedWith(ctx context.Context, userID string) ([]domain.File, error)
	CountFilesByOwner(ctx context.Context, ownerID string) (int, error)
	SumFileSizesByOwner(ctx context.Context, ownerID string) (int64, error)

	// role upgrade requests
	CreateRoleRequest(ctx context.Context, req domain.RoleUpgradeRequest) error
	GetPendingRoleRequest(ctx context.Context, userID string) (domain.RoleUpgradeRequest, bool, error)
	DecideRoleRequest(ctx context.Context, id string, status domain.RequestStatus, decidedBy string, at time.Time) error
	RejectPendingRoleRequests(ctx context.Context, userID, decidedBy string, at time.Time) (int, error)
	ListPendingRoleRequests(ctx context.Context) ([]domain.RoleUpgradeRequest, error)
	ListRoleRequestsByUser(ctx context.Context, userID string) ([]domain.RoleUpgradeRequest, error)

	// activity
	RecordActivity(ctx context.Context, a domain.Activity) error
	ListActivity(ctx context.Context, userID string, limit int) ([]domain.Activity, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}

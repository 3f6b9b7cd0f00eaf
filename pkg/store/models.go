package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;index"`
	MFAEnabled   bool      `gorm:"not null"`
	MFASecret    string    `gorm:"column:mfa_secret"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time
}

type FileModel struct {
	ID            string  `gorm:"primaryKey"`
	OwnerID       string  `gorm:"not null;index"`
	Name          string  `gorm:"not null"`
	Extension     string  `gorm:"size:64"`
	SizeBytes     int64   `gorm:"not null"`
	Status        string  `gorm:"not null"`
	DownloadToken *string `gorm:"uniqueIndex"`
	ExpiryAt      *time.Time
	StorageKey    string    `gorm:"not null"`
	ContentType   string
	CreatedAt     time.Time `gorm:"not null;index"`
}

// FileShareModel grants a recipient access to a file. No ownership.
type FileShareModel struct {
	FileID    string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey;index"`
	CreatedAt time.Time `gorm:"not null"`
}

// QuotaModel is the per-user ledger row. Allocation is derived from the role, not stored.
type QuotaModel struct {
	UserID    string `gorm:"primaryKey"`
	UsedBytes int64  `gorm:"not null"`
	UpdatedAt time.Time
}

type RoleRequestModel struct {
	ID            string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index:idx_role_request_one_pending,unique,where:status = 'pending'"`
	CurrentRole   string    `gorm:"not null"`
	RequestedRole string    `gorm:"not null"`
	Status        string    `gorm:"not null;index"`
	RequestedAt   time.Time `gorm:"not null"`
	DecidedAt     *time.Time
	DecidedBy     string
}

type ActivityModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Action    string `gorm:"not null"`
	SubjectID string
	Details   datatypes.JSON
	CreatedAt time.Time `gorm:"not null;index"`
}

// Package quota tracks bytes consumed per user against a role-derived ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"

	"fileshare/internal/util"
	"fileshare/pkg/domain"
)

const (
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30

	GuestBytes   = 500 * MiB
	RegularBytes = 1 * GiB
	AdminBytes   = 50 * GiB
)

// ErrQuotaExceeded matches every *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ExceededError reports a rejected reservation.
type ExceededError struct {
	Attempted int64
	Available int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: attempted %d bytes, %d available", ErrQuotaExceeded, e.Attempted, e.Available)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Store is the slice of persistence the ledger needs. Reserve and Release must
// be called with a Store bound to an open transaction for the row lock to hold.
type Store interface {
	GetQuota(ctx context.Context, userID string) (domain.QuotaEntry, error)
	LockQuota(ctx context.Context, userID string) (domain.QuotaEntry, error)
	SetQuotaUsed(ctx context.Context, userID string, used int64) error
}

// Allocated returns the ceiling for role. Unknown roles get the guest ceiling.
func Allocated(role domain.UserRole) int64 {
	switch role {
	case domain.RoleAdmin:
		return AdminBytes
	case domain.RoleRegular:
		return RegularBytes
	default:
		return GuestBytes
	}
}

// GetOrCreate returns the user's ledger entry, creating it at zero when absent.
func GetOrCreate(ctx context.Context, s Store, userID string) (domain.QuotaEntry, error) {
	entry, err := s.GetQuota(ctx, userID)
	if err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("get quota: %w", err)
	}
	return entry, nil
}

// Reserve adds delta to the user's usage if it stays within the role ceiling.
// On rejection nothing is written.
func Reserve(ctx context.Context, s Store, user domain.User, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("reserve: negative delta %d", delta)
	}
	entry, err := s.LockQuota(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("lock quota: %w", err)
	}
	allocated := Allocated(user.Role)
	if entry.UsedBytes+delta > allocated {
		return &ExceededError{Attempted: delta, Available: max(0, allocated-entry.UsedBytes)}
	}
	if err := s.SetQuotaUsed(ctx, user.ID, entry.UsedBytes+delta); err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	return nil
}

// Release subtracts delta from the user's usage, clamping at zero.
func Release(ctx context.Context, s Store, userID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("release: negative delta %d", delta)
	}
	entry, err := s.LockQuota(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock quota: %w", err)
	}
	next := entry.UsedBytes - delta
	if next < 0 {
		util.LoggerFromContext(ctx).Warn("quota_underflow",
			"user_id", userID,
			"used_bytes", entry.UsedBytes,
			"release_bytes", delta,
		)
		next = 0
	}
	if err := s.SetQuotaUsed(ctx, userID, next); err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	return nil
}

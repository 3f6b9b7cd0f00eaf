package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fileshare/internal/policy"
	"fileshare/pkg/domain"
	"fileshare/pkg/store"
)

// RequestUpgrade files a request for the next role up the ladder. The user row
// is locked so concurrent requests from the same user serialize.
func (a *App) RequestUpgrade(ctx context.Context, user domain.User) (domain.RoleUpgradeRequest, error) {
	var req domain.RoleUpgradeRequest
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		current, ok, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		next, ok := current.Role.Next()
		if !ok {
			return ErrAlreadyMaximal
		}
		if _, pending, err := tx.GetPendingRoleRequest(ctx, current.ID); err != nil {
			return fmt.Errorf("fetch pending request: %w", err)
		} else if pending {
			return ErrDuplicatePending
		}
		req = domain.RoleUpgradeRequest{
			ID:            uuid.NewString(),
			UserID:        current.ID,
			UserEmail:     current.Email,
			CurrentRole:   current.Role,
			RequestedRole: next,
			Status:        domain.RequestPending,
			RequestedAt:   a.now(),
		}
		if err := tx.CreateRoleRequest(ctx, req); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicatePending
			}
			return fmt.Errorf("create request: %w", err)
		}
		return tx.RecordActivity(ctx, a.activity(current.ID, domain.ActionRoleRequest, req.ID, map[string]any{
			"from": string(req.CurrentRole),
			"to":   string(req.RequestedRole),
		}))
	})
	if err != nil {
		return domain.RoleUpgradeRequest{}, err
	}
	return req, nil
}

// ApproveUpgrade grants the pending request of userID.
func (a *App) ApproveUpgrade(ctx context.Context, admin domain.User, userID string) (domain.RoleUpgradeRequest, error) {
	return a.decideUpgrade(ctx, admin, userID, domain.RequestApproved)
}

// RejectUpgrade declines the pending request of userID.
func (a *App) RejectUpgrade(ctx context.Context, admin domain.User, userID string) (domain.RoleUpgradeRequest, error) {
	return a.decideUpgrade(ctx, admin, userID, domain.RequestRejected)
}

func (a *App) decideUpgrade(ctx context.Context, admin domain.User, userID string, decision domain.RequestStatus) (domain.RoleUpgradeRequest, error) {
	if !policy.CanManageRoles(admin.Role) {
		return domain.RoleUpgradeRequest{}, ErrForbidden
	}
	var req domain.RoleUpgradeRequest
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		target, ok, err := tx.LockUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		pending, ok, err := tx.GetPendingRoleRequest(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("fetch pending request: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		now := a.now()
		action := domain.ActionRoleReject
		if decision == domain.RequestApproved {
			action = domain.ActionRoleApprove
			if err := tx.SetUserRole(ctx, target.ID, pending.RequestedRole); err != nil {
				return fmt.Errorf("update role: %w", err)
			}
		}
		if err := tx.DecideRoleRequest(ctx, pending.ID, decision, admin.ID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("decide request: %w", err)
		}
		pending.Status = decision
		pending.DecidedAt = &now
		pending.DecidedBy = admin.ID
		req = pending
		return tx.RecordActivity(ctx, a.activity(target.ID, action, pending.ID, map[string]any{
			"decidedBy": admin.ID,
			"to":        string(pending.RequestedRole),
		}))
	})
	if err != nil {
		return domain.RoleUpgradeRequest{}, err
	}
	return req, nil
}

// DowngradeToGuest resets a non-admin user to guest and rejects their pending requests.
func (a *App) DowngradeToGuest(ctx context.Context, admin domain.User, userID string) (domain.User, error) {
	if !policy.CanManageRoles(admin.Role) {
		return domain.User{}, ErrForbidden
	}
	var out domain.User
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		target, ok, err := tx.LockUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if target.Role == domain.RoleAdmin {
			return ErrCannotDowngradeAdmin
		}
		now := a.now()
		if err := tx.SetUserRole(ctx, target.ID, domain.RoleGuest); err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		rejected, err := tx.RejectPendingRoleRequests(ctx, target.ID, admin.ID, now)
		if err != nil {
			return fmt.Errorf("reject pending requests: %w", err)
		}
		if err := tx.RecordActivity(ctx, a.activity(target.ID, domain.ActionRoleDowngrade, target.ID, map[string]any{
			"decidedBy":        admin.ID,
			"from":             string(target.Role),
			"rejectedRequests": rejected,
		})); err != nil {
			return err
		}
		target.Role = domain.RoleGuest
		target.UpdatedAt = now
		out = target
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return out, nil
}

// ListPendingRequests returns every pending request, oldest first.
func (a *App) ListPendingRequests(ctx context.Context, admin domain.User) ([]domain.RoleUpgradeRequest, error) {
	if !policy.CanManageRoles(admin.Role) {
		return nil, ErrForbidden
	}
	return a.store.ListPendingRoleRequests(ctx)
}

// ListMyRequests returns the user's own request history, newest first.
func (a *App) ListMyRequests(ctx context.Context, user domain.User) ([]domain.RoleUpgradeRequest, error) {
	return a.store.ListRoleRequestsByUser(ctx, user.ID)
}

// AdminUpdateRole sets a user's role directly. Pending upgrade requests of the
// target become stale and are rejected.
func (a *App) AdminUpdateRole(ctx context.Context, admin domain.User, userID, rawRole string) (domain.User, error) {
	if !policy.CanManageRoles(admin.Role) {
		return domain.User{}, ErrForbidden
	}
	role, ok := domain.ParseUserRole(rawRole)
	if !ok {
		return domain.User{}, fmt.Errorf("%w: role must be guest, regular or admin", ErrValidation)
	}
	if userID == admin.ID {
		return domain.User{}, ErrCannotChangeOwnRole
	}
	var out domain.User
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		target, ok, err := tx.LockUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		now := a.now()
		if target.Role != role {
			if err := tx.SetUserRole(ctx, target.ID, role); err != nil {
				return fmt.Errorf("update role: %w", err)
			}
			if _, err := tx.RejectPendingRoleRequests(ctx, target.ID, admin.ID, now); err != nil {
				return fmt.Errorf("reject pending requests: %w", err)
			}
			if err := tx.RecordActivity(ctx, a.activity(target.ID, domain.ActionRoleUpdate, target.ID, map[string]any{
				"decidedBy": admin.ID,
				"from":      string(target.Role),
				"to":        string(role),
			})); err != nil {
				return err
			}
			target.Role = role
			target.UpdatedAt = now
		}
		out = target
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return out, nil
}

// ListUsers returns all users, newest first.
func (a *App) ListUsers(ctx context.Context, admin domain.User) ([]domain.User, error) {
	if !policy.CanManageRoles(admin.Role) {
		return nil, ErrForbidden
	}
	return a.store.ListUsers(ctx)
}

// ListMFAPending returns users who joined in the last week without enabling MFA.
func (a *App) ListMFAPending(ctx context.Context, admin domain.User) ([]domain.User, error) {
	if !policy.CanManageRoles(admin.Role) {
		return nil, ErrForbidden
	}
	return a.store.ListUsersWithoutMFA(ctx, a.now().Add(-mfaPendingWindow))
}

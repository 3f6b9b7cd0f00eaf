package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fileshare/pkg/domain"
)

func TestRequestUpgradeLadder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	guest := env.user(t, "guest@example.com", domain.RoleGuest)
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)

	req, err := env.app.RequestUpgrade(ctx, guest)
	require.NoError(t, err)
	require.Equal(t, domain.RoleGuest, req.CurrentRole)
	require.Equal(t, domain.RoleRegular, req.RequestedRole)
	require.Equal(t, domain.RequestPending, req.Status)

	_, err = env.app.RequestUpgrade(ctx, guest)
	require.ErrorIs(t, err, ErrDuplicatePending)

	_, err = env.app.RequestUpgrade(ctx, admin)
	require.ErrorIs(t, err, ErrAlreadyMaximal)

	_, err = env.app.RequestUpgrade(ctx, domain.User{ID: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRequestUpgradeLeavesOnePending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	guest := env.user(t, "guest@example.com", domain.RoleGuest)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.app.RequestUpgrade(ctx, guest)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrDuplicatePending)
	}
	require.Equal(t, 1, ok)

	history, err := env.app.ListMyRequests(ctx, guest)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestApproveUpgradeSetsRequestedRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	regular := env.user(t, "reg@example.com", domain.RoleRegular)
	guest := env.user(t, "guest@example.com", domain.RoleGuest)

	regReq, err := env.app.RequestUpgrade(ctx, regular)
	require.NoError(t, err)
	guestReq, err := env.app.RequestUpgrade(ctx, guest)
	require.NoError(t, err)

	_, err = env.app.ApproveUpgrade(ctx, regular, guest.ID)
	require.ErrorIs(t, err, ErrForbidden)

	approved, err := env.app.ApproveUpgrade(ctx, admin, regular.ID)
	require.NoError(t, err)
	require.Equal(t, regReq.ID, approved.ID)
	require.Equal(t, domain.RequestApproved, approved.Status)
	require.Equal(t, admin.ID, approved.DecidedBy)
	require.NotNil(t, approved.DecidedAt)

	updated, _, _ := env.store.GetUserByID(ctx, regular.ID)
	require.Equal(t, domain.RoleAdmin, updated.Role)

	pending, err := env.app.ListPendingRequests(ctx, admin)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, guestReq.ID, pending[0].ID, "other requests must stay untouched")

	_, err = env.app.ApproveUpgrade(ctx, admin, regular.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.app.ApproveUpgrade(ctx, admin, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRejectUpgradeKeepsRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	guest := env.user(t, "guest@example.com", domain.RoleGuest)
	_, err := env.app.RequestUpgrade(ctx, guest)
	require.NoError(t, err)

	rejected, err := env.app.RejectUpgrade(ctx, admin, guest.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestRejected, rejected.Status)
	current, _, _ := env.store.GetUserByID(ctx, guest.ID)
	require.Equal(t, domain.RoleGuest, current.Role)

	_, err = env.app.RequestUpgrade(ctx, guest)
	require.NoError(t, err, "a new request is allowed once the previous one is decided")
}

func TestDowngradeToGuestRejectsPendingRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	otherAdmin := env.user(t, "admin2@example.com", domain.RoleAdmin)
	regular := env.user(t, "reg@example.com", domain.RoleRegular)
	_, err := env.app.RequestUpgrade(ctx, regular)
	require.NoError(t, err)

	_, err = env.app.DowngradeToGuest(ctx, regular, regular.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.app.DowngradeToGuest(ctx, admin, otherAdmin.ID)
	require.ErrorIs(t, err, ErrCannotDowngradeAdmin)
	_, err = env.app.DowngradeToGuest(ctx, admin, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	down, err := env.app.DowngradeToGuest(ctx, admin, regular.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleGuest, down.Role)

	history, err := env.app.ListMyRequests(ctx, regular)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.RequestRejected, history[0].Status)
	require.Equal(t, admin.ID, history[0].DecidedBy)

	pending, _ := env.app.ListPendingRequests(ctx, admin)
	require.Empty(t, pending)
}

func TestAdminUpdateRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	guest := env.user(t, "guest@example.com", domain.RoleGuest)
	_, err := env.app.RequestUpgrade(ctx, guest)
	require.NoError(t, err)

	_, err = env.app.AdminUpdateRole(ctx, guest, admin.ID, "guest")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.app.AdminUpdateRole(ctx, admin, guest.ID, "owner")
	require.ErrorIs(t, err, ErrValidation)
	_, err = env.app.AdminUpdateRole(ctx, admin, admin.ID, "regular")
	require.ErrorIs(t, err, ErrCannotChangeOwnRole)
	_, err = env.app.AdminUpdateRole(ctx, admin, "missing", "regular")
	require.ErrorIs(t, err, ErrNotFound)

	updated, err := env.app.AdminUpdateRole(ctx, admin, guest.ID, " Regular ")
	require.NoError(t, err)
	require.Equal(t, domain.RoleRegular, updated.Role)
	pending, _ := env.app.ListPendingRequests(ctx, admin)
	require.Empty(t, pending, "stale request must be rejected")
}

func TestAdminListings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	regular := env.user(t, "reg@example.com", domain.RoleRegular)

	_, err := env.app.ListUsers(ctx, regular)
	require.True(t, errors.Is(err, ErrForbidden))
	users, err := env.app.ListUsers(ctx, admin)
	require.NoError(t, err)
	require.Len(t, users, 2)

	_, err = env.app.ListMFAPending(ctx, regular)
	require.ErrorIs(t, err, ErrForbidden)
	pendingMFA, err := env.app.ListMFAPending(ctx, admin)
	require.NoError(t, err)
	require.Len(t, pendingMFA, 2)

	_, err = env.app.ListPendingRequests(ctx, regular)
	require.ErrorIs(t, err, ErrForbidden)
}

package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"fileshare/pkg/domain"
	"fileshare/pkg/store"
)

func TestAllocated(t *testing.T) {
	cases := map[domain.UserRole]int64{
		domain.RoleGuest:   500 * MiB,
		domain.RoleRegular: 1 * GiB,
		domain.RoleAdmin:   50 * GiB,
		"superuser":        500 * MiB,
		"":                 500 * MiB,
	}
	for role, want := range cases {
		require.Equal(t, want, Allocated(role), "role %q", role)
	}
}

func TestGuestSecondUploadRejectedAndUsageUnchanged(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	guest := domain.User{ID: "g1", Role: domain.RoleGuest}

	require.NoError(t, Reserve(ctx, s, guest, 400*MiB))
	err := Reserve(ctx, s, guest, 200*MiB)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	require.Equal(t, 200*MiB, exceeded.Attempted)
	require.Equal(t, 100*MiB, exceeded.Available)

	entry, err := GetOrCreate(ctx, s, guest.ID)
	require.NoError(t, err)
	require.Equal(t, 400*MiB, entry.UsedBytes)
}

func TestReserveUpToCeilingExactly(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	user := domain.User{ID: "r1", Role: domain.RoleRegular}

	require.NoError(t, Reserve(ctx, s, user, GiB))
	require.ErrorIs(t, Reserve(ctx, s, user, 1), ErrQuotaExceeded)
	require.NoError(t, Reserve(ctx, s, user, 0))
}

func TestReleaseClampsAtZero(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	user := domain.User{ID: "u1", Role: domain.RoleRegular}

	require.NoError(t, Reserve(ctx, s, user, 10))
	require.NoError(t, Release(ctx, s, user.ID, 4))
	entry, _ := GetOrCreate(ctx, s, user.ID)
	require.EqualValues(t, 6, entry.UsedBytes)

	require.NoError(t, Release(ctx, s, user.ID, 100))
	entry, _ = GetOrCreate(ctx, s, user.ID)
	require.EqualValues(t, 0, entry.UsedBytes)
}

func TestNegativeDeltasRejected(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.Error(t, Reserve(ctx, s, domain.User{ID: "u"}, -1))
	require.Error(t, Release(ctx, s, "u", -1))
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	first, err := GetOrCreate(ctx, s, "u1")
	require.NoError(t, err)
	second, err := GetOrCreate(ctx, s, "u1")
	require.NoError(t, err)
	require.Equal(t, first.UsedBytes, second.UsedBytes)
	require.Zero(t, second.UsedBytes)
}

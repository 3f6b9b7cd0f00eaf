package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	gormlogger "gorm.io/gorm/logger"

	"fileshare/pkg/domain"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := NewGormStoreWithDialector(sqlite.Open(dsn), WithGormLogger(gormlogger.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s Store, email string, role domain.UserRole, createdAt time.Time) domain.User {
	t.Helper()
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         email,
		PasswordHash: "hash",
		Role:         role,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func TestGormStoreRejectsDuplicateEmail(t *testing.T) {
	s := newSQLiteStore(t)
	now := time.Now().UTC()
	seedUser(t, s, "a@example.com", domain.RoleGuest, now)

	err := s.SaveUser(context.Background(), domain.User{
		ID: uuid.NewString(), Email: "a@example.com", PasswordHash: "x", Role: domain.RoleGuest, CreatedAt: now,
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestGormStoreQuotaRowLazilyCreated(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	entry, err := s.GetQuota(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.UsedBytes)

	require.NoError(t, s.SetQuotaUsed(ctx, "user-1", 42))
	entry, err = s.LockQuota(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), entry.UsedBytes)

	require.ErrorIs(t, s.SetQuotaUsed(ctx, "missing", 1), ErrNotFound)
}

func TestGormStoreAtomicRollsBackOnError(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	_, err := s.GetQuota(ctx, "user-1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Atomic(ctx, func(tx Store) error {
		if err := tx.SetQuotaUsed(ctx, "user-1", 100); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entry, err := s.GetQuota(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.UsedBytes)
}

func TestGormStoreFileSharingAndListing(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	owner := seedUser(t, s, "owner@example.com", domain.RoleRegular, base)
	recipient := seedUser(t, s, "bob@example.com", domain.RoleGuest, base)

	older := domain.File{
		ID: uuid.NewString(), Name: "a.txt", Extension: "txt", SizeBytes: 10, OwnerID: owner.ID,
		Status: domain.FilePrivate, DownloadToken: "tok-a", StorageKey: "k/a", CreatedAt: base,
	}
	newer := domain.File{
		ID: uuid.NewString(), Name: "b.pdf", Extension: "pdf", SizeBytes: 32, OwnerID: owner.ID,
		Status: domain.FilePrivate, DownloadToken: "tok-b", StorageKey: "k/b", CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.CreateFile(ctx, older))
	require.NoError(t, s.CreateFile(ctx, newer))

	dup := older
	dup.ID = uuid.NewString()
	require.ErrorIs(t, s.CreateFile(ctx, dup), ErrDuplicate, "download tokens must be unique")

	owned, err := s.ListFilesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	require.Equal(t, newer.ID, owned[0].ID)

	require.NoError(t, s.UpdateFileSharing(ctx, older.ID, domain.FilePublic, "tok-a2"))
	require.NoError(t, s.AddFileShares(ctx, older.ID, []string{recipient.ID}))
	require.NoError(t, s.AddFileShares(ctx, older.ID, []string{recipient.ID, ""}))

	got, ok, err := s.GetFileByToken(ctx, "tok-a2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.FilePublic, got.Status)
	require.Equal(t, []string{recipient.ID}, got.SharedWith)
	require.Equal(t, owner.Email, got.OwnerEmail)

	_, ok, err = s.GetFileByToken(ctx, "tok-a")
	require.NoError(t, err)
	require.False(t, ok)

	shared, err := s.ListFilesSharedWith(ctx, recipient.ID)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	require.Equal(t, owner.Email, shared[0].OwnerEmail)

	total, err := s.SumFileSizesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, int64(42), total)

	require.NoError(t, s.DeleteFile(ctx, older.ID))
	require.ErrorIs(t, s.DeleteFile(ctx, older.ID), ErrNotFound)
	shared, err = s.ListFilesSharedWith(ctx, recipient.ID)
	require.NoError(t, err)
	require.Empty(t, shared)
	count, err := s.CountFilesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGormStoreAllowsOnlyOnePendingRoleRequest(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	u := seedUser(t, s, "guest@example.com", domain.RoleGuest, now)

	first := domain.RoleUpgradeRequest{
		ID: uuid.NewString(), UserID: u.ID, CurrentRole: domain.RoleGuest, RequestedRole: domain.RoleRegular,
		Status: domain.RequestPending, RequestedAt: now,
	}
	require.NoError(t, s.CreateRoleRequest(ctx, first))

	second := first
	second.ID = uuid.NewString()
	require.ErrorIs(t, s.CreateRoleRequest(ctx, second), ErrDuplicate)

	pending, ok, err := s.GetPendingRoleRequest(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, pending.ID)
	require.Equal(t, u.Email, pending.UserEmail)

	require.NoError(t, s.DecideRoleRequest(ctx, first.ID, domain.RequestRejected, "admin-1", now))
	require.ErrorIs(t, s.DecideRoleRequest(ctx, first.ID, domain.RequestApproved, "admin-1", now), ErrNotFound)

	// a decided request no longer blocks a new one
	require.NoError(t, s.CreateRoleRequest(ctx, second))
	n, err := s.RejectPendingRoleRequests(ctx, u.ID, "admin-1", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := s.ListRoleRequestsByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, req := range all {
		require.Equal(t, domain.RequestRejected, req.Status)
		require.NotNil(t, req.DecidedAt)
	}
}

func TestGormStoreUsersWithoutMFA(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedUser(t, s, "old@example.com", domain.RoleGuest, now.Add(-10*24*time.Hour))
	recent := seedUser(t, s, "recent@example.com", domain.RoleGuest, now.Add(-time.Hour))
	withMFA := seedUser(t, s, "mfa@example.com", domain.RoleGuest, now.Add(-time.Minute))
	withMFA.MFAEnabled = true
	require.NoError(t, s.SaveUser(ctx, withMFA))

	users, err := s.ListUsersWithoutMFA(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, recent.ID, users[0].ID)

	count, err := s.CountUsersWithoutMFA(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	all, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, withMFA.ID, all[0].ID)
}

func TestGormStoreActivityKeepsDetails(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordActivity(ctx, domain.Activity{
			ID: uuid.NewString(), UserID: "u1", Action: domain.ActionUpload, SubjectID: fmt.Sprintf("f%d", i),
			Details: map[string]any{"size": i}, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	items, err := s.ListActivity(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "f2", items[0].SubjectID)
	require.EqualValues(t, 2, items[0].Details["size"])
}

func newMockedPostgresStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s, err := NewGormStoreWithDialector(
		postgres.New(postgres.Config{Conn: sqlDB}),
		WithoutMigrations(),
		WithGormLogger(gormlogger.Discard),
	)
	require.NoError(t, err)
	return s, mock
}

func TestGormStoreLockQuotaSelectsForUpdate(t *testing.T) {
	s, mock := newMockedPostgresStore(t)
	stop := errors.New("stop")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "quota_models" .*ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "quota_models" WHERE user_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "used_bytes", "updated_at"}).
			AddRow("user-1", int64(7), time.Now().UTC()))
	mock.ExpectRollback()

	var seen domain.QuotaEntry
	err := s.Atomic(context.Background(), func(tx Store) error {
		entry, err := tx.LockQuota(context.Background(), "user-1")
		if err != nil {
			return err
		}
		seen = entry
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, int64(7), seen.UsedBytes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreLockUserSelectsForUpdate(t *testing.T) {
	s, mock := newMockedPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "user_models" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role"}).
			AddRow("user-1", "a@example.com", "regular"))
	mock.ExpectCommit()

	err := s.Atomic(context.Background(), func(tx Store) error {
		u, ok, err := tx.LockUser(context.Background(), "user-1")
		if err != nil {
			return err
		}
		require.True(t, ok)
		require.Equal(t, domain.RoleRegular, u.Role)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

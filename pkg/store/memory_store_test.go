package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fileshare/pkg/domain"
)

func TestMemoryStoreAtomicRestoresStateOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetQuota(ctx, "u1"); err != nil {
		t.Fatalf("get quota: %v", err)
	}

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx Store) error {
		if err := tx.SetQuotaUsed(ctx, "u1", 99); err != nil {
			return err
		}
		if err := tx.CreateFile(ctx, domain.File{ID: "f1", OwnerID: "u1", SizeBytes: 99, DownloadToken: "t"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entry, _ := s.GetQuota(ctx, "u1")
	if entry.UsedBytes != 0 {
		t.Fatalf("expected rollback of quota, got %d", entry.UsedBytes)
	}
	if _, ok, _ := s.GetFile(ctx, "f1"); ok {
		t.Fatalf("expected rollback of file insert")
	}
}

func TestMemoryStoreSerializesConcurrentTransactions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetQuota(ctx, "u1"); err != nil {
		t.Fatalf("get quota: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, func(tx Store) error {
				entry, err := tx.LockQuota(ctx, "u1")
				if err != nil {
					return err
				}
				return tx.SetQuotaUsed(ctx, "u1", entry.UsedBytes+1)
			})
		}()
	}
	wg.Wait()

	entry, _ := s.GetQuota(ctx, "u1")
	if entry.UsedBytes != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", entry.UsedBytes)
	}
}

func TestMemoryStoreRejectsSecondPendingRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	req := domain.RoleUpgradeRequest{ID: "r1", UserID: "u1", Status: domain.RequestPending, RequestedAt: now}
	if err := s.CreateRoleRequest(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	req.ID = "r2"
	if err := s.CreateRoleRequest(ctx, req); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := s.DecideRoleRequest(ctx, "r1", domain.RequestApproved, "admin", now); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := s.DecideRoleRequest(ctx, "r1", domain.RequestRejected, "admin", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("decided request must not change again, got %v", err)
	}
	if err := s.CreateRoleRequest(ctx, req); err != nil {
		t.Fatalf("create after decision: %v", err)
	}
}

func TestMemoryStoreSharedListingNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	owner := domain.User{ID: "owner", Email: "owner@example.com", Role: domain.RoleRegular, CreatedAt: now}
	if err := s.SaveUser(ctx, owner); err != nil {
		t.Fatalf("save user: %v", err)
	}
	for i, id := range []string{"f1", "f2"} {
		f := domain.File{
			ID: id, OwnerID: owner.ID, DownloadToken: "tok-" + id,
			SharedWith: []string{"bob"}, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateFile(ctx, f); err != nil {
			t.Fatalf("create file: %v", err)
		}
	}
	files, err := s.ListFilesSharedWith(ctx, "bob")
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(files) != 2 || files[0].ID != "f2" || files[0].OwnerEmail != owner.Email {
		t.Fatalf("unexpected shared listing: %+v", files)
	}
	if err := s.UpdateFileSharing(ctx, "f2", domain.FilePublic, "tok-f1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate token rejection, got %v", err)
	}
}

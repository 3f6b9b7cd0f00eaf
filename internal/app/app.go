package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fileshare/internal/quota"
	"fileshare/internal/util"
	"fileshare/pkg/domain"
	"fileshare/pkg/storage"
	"fileshare/pkg/store"
)

const (
	defaultMFAIssuer   = "SecureFileShare"
	maxActivityEntries = 100
	mfaPendingWindow   = 7 * 24 * time.Hour
)

// Config holds the collaborators of the core application.
type Config struct {
	Store         store.Store
	Objects       storage.ObjectStore
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	MFAIssuer     string
	// Now overrides the clock; tests use it to move past expiry dates.
	Now func() time.Time
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	mfaIssuer     string
	now           func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store required")
	case cfg.RefreshTokens == nil:
		return nil, errors.New("refresh token store required")
	}
	issuer := strings.TrimSpace(cfg.MFAIssuer)
	if issuer == "" {
		issuer = defaultMFAIssuer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		sessions:      cfg.Sessions,
		refreshTokens: cfg.RefreshTokens,
		mfaIssuer:     issuer,
		now:           func() time.Time { return now().UTC() },
	}, nil
}

// Dashboard summarises a user's storage and, for admins, MFA adoption.
type Dashboard struct {
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Role           domain.UserRole `json:"role"`
	FileCount      int             `json:"totalFiles"`
	UsedBytes      int64           `json:"usedStorage"`
	AllocatedBytes int64           `json:"allocatedStorage"`
	IncompleteMFA  *int            `json:"incompleteMFA,omitempty"`
}

// Dashboard loads the summary counters concurrently. The ledger figure is
// reported; a mismatch with the stored file sizes is logged as quota drift.
func (a *App) Dashboard(ctx context.Context, user domain.User) (Dashboard, error) {
	var stored int64
	out := Dashboard{
		Name:           user.Name,
		Email:          user.Email,
		Role:           user.Role,
		AllocatedBytes: quota.Allocated(user.Role),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountFilesByOwner(gctx, user.ID)
		if err != nil {
			return fmt.Errorf("count files: %w", err)
		}
		out.FileCount = n
		return nil
	})
	g.Go(func() error {
		entry, err := quota.GetOrCreate(gctx, a.store, user.ID)
		if err != nil {
			return err
		}
		out.UsedBytes = entry.UsedBytes
		return nil
	})
	g.Go(func() error {
		sum, err := a.store.SumFileSizesByOwner(gctx, user.ID)
		if err != nil {
			return fmt.Errorf("sum file sizes: %w", err)
		}
		stored = sum
		return nil
	})
	if user.Role == domain.RoleAdmin {
		g.Go(func() error {
			n, err := a.store.CountUsersWithoutMFA(gctx)
			if err != nil {
				return fmt.Errorf("count users without mfa: %w", err)
			}
			out.IncompleteMFA = &n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	if stored != out.UsedBytes {
		util.LoggerFromContext(ctx).Warn("quota_drift",
			"user_id", user.ID,
			"used_bytes", out.UsedBytes,
			"stored_bytes", stored,
		)
	}
	return out, nil
}

// ListActivity returns the newest audit entries of the user.
func (a *App) ListActivity(ctx context.Context, user domain.User, limit int) ([]domain.Activity, error) {
	if limit <= 0 || limit > maxActivityEntries {
		limit = maxActivityEntries
	}
	return a.store.ListActivity(ctx, user.ID, limit)
}

package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"fileshare/internal/util"
	"fileshare/pkg/domain"
	"fileshare/pkg/storage"
	"fileshare/pkg/store"
)

var testSigningKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	app   *App
	store *store.MemoryStore
	fs    afero.Fs
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore(), nil)
}

// newTestEnvWithStore lets a test wrap the memory store; wrapped may be nil.
func newTestEnvWithStore(t *testing.T, mem *store.MemoryStore, wrapped store.Store) *testEnv {
	t.Helper()
	sessions, err := store.NewJWTSessionStore(testSigningKey(), store.JWTConfig{TTL: time.Minute}, store.NewMemoryTokenRevoker())
	require.NoError(t, err)
	fsys := afero.NewMemMapFs()
	clock := &testClock{now: time.Now().UTC()}
	var s store.Store = mem
	if wrapped != nil {
		s = wrapped
	}
	a, err := New(Config{
		Store:         s,
		Objects:       storage.NewLocalStoreFs(fsys),
		Sessions:      sessions,
		RefreshTokens: store.NewMemoryRefreshTokenStore(time.Hour),
		Now:           clock.Now,
	})
	require.NoError(t, err)
	return &testEnv{app: a, store: mem, fs: fsys, clock: clock}
}

func (e *testEnv) user(t *testing.T, email string, role domain.UserRole) domain.User {
	t.Helper()
	u, err := e.app.createUser(context.Background(), email, strings.Split(email, "@")[0], "x", role)
	require.NoError(t, err)
	return u
}

func (e *testEnv) upload(t *testing.T, owner domain.User, name string, size int) domain.File {
	t.Helper()
	f, err := e.app.UploadFile(context.Background(), owner, UploadInput{
		Name: name,
		Body: strings.NewReader(strings.Repeat("a", size)),
		Size: int64(size),
	})
	require.NoError(t, err)
	return f
}

func (e *testEnv) used(t *testing.T, userID string) int64 {
	t.Helper()
	entry, err := e.store.GetQuota(context.Background(), userID)
	require.NoError(t, err)
	return entry.UsedBytes
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	n := 0
	err := afero.Walk(e.fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)
	regular := env.user(t, "bob@example.com", domain.RoleRegular)
	env.upload(t, regular, "a.txt", 10)
	env.upload(t, regular, "b.txt", 20)

	d, err := env.app.Dashboard(ctx, regular)
	require.NoError(t, err)
	require.Equal(t, 2, d.FileCount)
	require.EqualValues(t, 30, d.UsedBytes)
	require.Equal(t, int64(1<<30), d.AllocatedBytes)
	require.Nil(t, d.IncompleteMFA)

	d, err = env.app.Dashboard(ctx, admin)
	require.NoError(t, err)
	require.NotNil(t, d.IncompleteMFA)
	require.Equal(t, 2, *d.IncompleteMFA)
}

func TestDashboardLogsQuotaDrift(t *testing.T) {
	env := newTestEnv(t)
	regular := env.user(t, "bob@example.com", domain.RoleRegular)
	env.upload(t, regular, "a.txt", 10)

	var buf bytes.Buffer
	ctx := util.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	_, err := env.app.Dashboard(ctx, regular)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "quota_drift")

	require.NoError(t, env.store.SetQuotaUsed(ctx, regular.ID, 99))
	d, err := env.app.Dashboard(ctx, regular)
	require.NoError(t, err)
	require.EqualValues(t, 99, d.UsedBytes)
	require.Contains(t, buf.String(), `"msg":"quota_drift"`)
	require.Contains(t, buf.String(), `"stored_bytes":10`)
}

func TestListActivityNewestFirstAndCapped(t *testing.T) {
	env := newTestEnv(t)
	owner := env.user(t, "owner@example.com", domain.RoleRegular)
	f := env.upload(t, owner, "a.txt", 3)
	env.clock.Advance(time.Second)
	require.NoError(t, env.app.DeleteFile(context.Background(), owner, f.ID))

	acts, err := env.app.ListActivity(context.Background(), owner, 1000)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	require.Equal(t, domain.ActionDelete, acts[0].Action)
	require.Equal(t, domain.ActionUpload, acts[1].Action)
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"fileshare/pkg/domain"
)

// MemoryStore keeps all records in-process. Used by tests and local runs.
//
// Atomic calls are serialized and roll back by restoring a snapshot, so writes
// made outside Atomic while a transaction is open may be lost on rollback.
type MemoryStore struct {
	mu   *sync.RWMutex
	txMu *sync.Mutex
	st   *memState
	inTx bool
}

type memState struct {
	users      map[string]domain.User // key: user ID
	email      map[string]string      // email -> user ID
	files      map[string]domain.File
	shares     map[string][]string // file ID -> recipient IDs
	quotas     map[string]domain.QuotaEntry
	requests   map[string]domain.RoleUpgradeRequest
	activities []domain.Activity
	seq        map[string]int64 // insertion order, breaks created_at ties
	next       int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:   &sync.RWMutex{},
		txMu: &sync.Mutex{},
		st: &memState{
			users:    make(map[string]domain.User),
			email:    make(map[string]string),
			files:    make(map[string]domain.File),
			shares:   make(map[string][]string),
			quotas:   make(map[string]domain.QuotaEntry),
			requests: make(map[string]domain.RoleUpgradeRequest),
			seq:      make(map[string]int64),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:      make(map[string]domain.User, len(s.users)),
		email:      make(map[string]string, len(s.email)),
		files:      make(map[string]domain.File, len(s.files)),
		shares:     make(map[string][]string, len(s.shares)),
		quotas:     make(map[string]domain.QuotaEntry, len(s.quotas)),
		requests:   make(map[string]domain.RoleUpgradeRequest, len(s.requests)),
		activities: append([]domain.Activity(nil), s.activities...),
		seq:        make(map[string]int64, len(s.seq)),
		next:       s.next,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.email {
		c.email[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.shares {
		c.shares[k] = append([]string(nil), v...)
	}
	for k, v := range s.quotas {
		c.quotas[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	return c
}

func (s *memState) track(id string) {
	if _, ok := s.seq[id]; ok {
		return
	}
	s.next++
	s.seq[id] = s.next
}

// Atomic serializes fn against other transactions and restores the previous
// state when fn fails.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.st.clone()
	m.mu.RUnlock()

	tx := &MemoryStore{mu: m.mu, txMu: m.txMu, st: m.st, inTx: true}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		*m.st = *snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if owner, ok := m.st.email[key]; ok && owner != u.ID {
		return ErrDuplicate
	}
	if prev, ok := m.st.users[u.ID]; ok {
		delete(m.st.email, strings.ToLower(prev.Email))
	}
	m.st.users[u.ID] = u
	m.st.email[key] = u.ID
	m.st.track(u.ID)
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.st.email[strings.ToLower(email)]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.st.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.st.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.st.users[id]
	return u, ok, nil
}

// LockUser reads a user. Transactions are already serialized.
func (m *MemoryStore) LockUser(ctx context.Context, id string) (domain.User, bool, error) {
	return m.GetUserByID(ctx, id)
}

func (m *MemoryStore) SetUserRole(_ context.Context, id string, role domain.UserRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	m.st.users[id] = u
	return nil
}

// ListUsers returns all users, newest first.
func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := lo.Values(m.st.users)
	m.sortUsers(users, false)
	return users, nil
}

func (m *MemoryStore) ListUsersWithoutMFA(_ context.Context, joinedSince time.Time) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := lo.Filter(lo.Values(m.st.users), func(u domain.User, _ int) bool {
		return !u.MFAEnabled && !u.CreatedAt.Before(joinedSince)
	})
	m.sortUsers(users, true)
	return users, nil
}

func (m *MemoryStore) CountUsersWithoutMFA(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(lo.Values(m.st.users), func(u domain.User) bool { return !u.MFAEnabled }), nil
}

func (m *MemoryStore) sortUsers(users []domain.User, asc bool) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt) == asc
		}
		return (m.st.seq[a.ID] < m.st.seq[b.ID]) == asc
	})
}

// GetQuota returns the ledger row, creating it when absent.
func (m *MemoryStore) GetQuota(_ context.Context, userID string) (domain.QuotaEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.st.quotas[userID]
	if !ok {
		entry = domain.QuotaEntry{UserID: userID, UpdatedAt: time.Now().UTC()}
		m.st.quotas[userID] = entry
	}
	return entry, nil
}

// LockQuota behaves like GetQuota. Transactions are already serialized.
func (m *MemoryStore) LockQuota(ctx context.Context, userID string) (domain.QuotaEntry, error) {
	return m.GetQuota(ctx, userID)
}

func (m *MemoryStore) SetQuotaUsed(_ context.Context, userID string, used int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.st.quotas[userID]
	if !ok {
		return ErrNotFound
	}
	entry.UsedBytes = used
	entry.UpdatedAt = time.Now().UTC()
	m.st.quotas[userID] = entry
	return nil
}

// CreateFile inserts a file record and its share links.
func (m *MemoryStore) CreateFile(_ context.Context, f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.st.files[f.ID]; exists {
		return ErrDuplicate
	}
	if f.DownloadToken != "" && m.tokenTaken(f.DownloadToken, f.ID) {
		return ErrDuplicate
	}
	shared := f.SharedWith
	f.SharedWith = nil
	f.OwnerEmail = ""
	m.st.files[f.ID] = f
	m.st.track(f.ID)
	if len(shared) > 0 {
		m.st.shares[f.ID] = lo.Uniq(lo.Compact(shared))
	}
	return nil
}

func (m *MemoryStore) tokenTaken(token, exceptID string) bool {
	for id, f := range m.st.files {
		if id != exceptID && f.DownloadToken == token {
			return true
		}
	}
	return false
}

// view attaches owner email and recipients. Caller holds mu.
func (m *MemoryStore) view(f domain.File) domain.File {
	if owner, ok := m.st.users[f.OwnerID]; ok {
		f.OwnerEmail = owner.Email
	}
	if recipients := m.st.shares[f.ID]; len(recipients) > 0 {
		f.SharedWith = append([]string(nil), recipients...)
	}
	return f
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.st.files[id]
	if !ok {
		return domain.File{}, false, nil
	}
	return m.view(f), true, nil
}

func (m *MemoryStore) GetFileByToken(_ context.Context, token string) (domain.File, bool, error) {
	if token == "" {
		return domain.File{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.st.files {
		if f.DownloadToken == token {
			return m.view(f), true, nil
		}
	}
	return domain.File{}, false, nil
}

func (m *MemoryStore) UpdateFileSharing(_ context.Context, id string, status domain.FileStatus, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.st.files[id]
	if !ok {
		return ErrNotFound
	}
	if token != "" && m.tokenTaken(token, id) {
		return ErrDuplicate
	}
	f.Status = status
	f.DownloadToken = token
	m.st.files[id] = f
	return nil
}

func (m *MemoryStore) AddFileShares(_ context.Context, fileID string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.files[fileID]; !ok {
		return ErrNotFound
	}
	m.st.shares[fileID] = lo.Uniq(append(m.st.shares[fileID], lo.Compact(userIDs)...))
	return nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.files, id)
	delete(m.st.shares, id)
	return nil
}

// ListFilesByOwner returns files uploaded by ownerID, newest first.
func (m *MemoryStore) ListFilesByOwner(_ context.Context, ownerID string) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectFiles(func(f domain.File) bool { return f.OwnerID == ownerID }), nil
}

// ListFilesSharedWith returns files shared with userID, newest first.
func (m *MemoryStore) ListFilesSharedWith(_ context.Context, userID string) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectFiles(func(f domain.File) bool {
		return lo.Contains(m.st.shares[f.ID], userID)
	}), nil
}

func (m *MemoryStore) collectFiles(keep func(domain.File) bool) []domain.File {
	res := make([]domain.File, 0)
	for _, f := range m.st.files {
		if keep(f) {
			res = append(res, m.view(f))
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return m.st.seq[res[i].ID] > m.st.seq[res[j].ID]
	})
	return res
}

func (m *MemoryStore) CountFilesByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(lo.Values(m.st.files), func(f domain.File) bool { return f.OwnerID == ownerID }), nil
}

func (m *MemoryStore) SumFileSizesByOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.SumBy(lo.Values(m.st.files), func(f domain.File) int64 {
		if f.OwnerID != ownerID {
			return 0
		}
		return f.SizeBytes
	}), nil
}

// CreateRoleRequest inserts a request, rejecting a second pending one per user.
func (m *MemoryStore) CreateRoleRequest(_ context.Context, req domain.RoleUpgradeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.st.requests[req.ID]; exists {
		return ErrDuplicate
	}
	if req.Status == domain.RequestPending {
		for _, existing := range m.st.requests {
			if existing.UserID == req.UserID && existing.Status == domain.RequestPending {
				return ErrDuplicate
			}
		}
	}
	req.UserEmail = ""
	m.st.requests[req.ID] = req
	m.st.track(req.ID)
	return nil
}

func (m *MemoryStore) withEmail(req domain.RoleUpgradeRequest) domain.RoleUpgradeRequest {
	if u, ok := m.st.users[req.UserID]; ok {
		req.UserEmail = u.Email
	}
	return req
}

func (m *MemoryStore) GetPendingRoleRequest(_ context.Context, userID string) (domain.RoleUpgradeRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.st.requests {
		if req.UserID == userID && req.Status == domain.RequestPending {
			return m.withEmail(req), true, nil
		}
	}
	return domain.RoleUpgradeRequest{}, false, nil
}

func (m *MemoryStore) DecideRoleRequest(_ context.Context, id string, status domain.RequestStatus, decidedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.st.requests[id]
	if !ok || req.Status != domain.RequestPending {
		return ErrNotFound
	}
	m.st.requests[id] = decided(req, status, decidedBy, at)
	return nil
}

func (m *MemoryStore) RejectPendingRoleRequests(_ context.Context, userID, decidedBy string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, req := range m.st.requests {
		if req.UserID == userID && req.Status == domain.RequestPending {
			m.st.requests[id] = decided(req, domain.RequestRejected, decidedBy, at)
			n++
		}
	}
	return n, nil
}

func decided(req domain.RoleUpgradeRequest, status domain.RequestStatus, by string, at time.Time) domain.RoleUpgradeRequest {
	at = at.UTC()
	req.Status = status
	req.DecidedBy = by
	req.DecidedAt = &at
	return req
}

// ListPendingRoleRequests returns pending requests, oldest first.
func (m *MemoryStore) ListPendingRoleRequests(_ context.Context) ([]domain.RoleUpgradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectRequests(func(r domain.RoleUpgradeRequest) bool { return r.Status == domain.RequestPending }, true), nil
}

// ListRoleRequestsByUser returns every request of userID, newest first.
func (m *MemoryStore) ListRoleRequestsByUser(_ context.Context, userID string) ([]domain.RoleUpgradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectRequests(func(r domain.RoleUpgradeRequest) bool { return r.UserID == userID }, false), nil
}

func (m *MemoryStore) collectRequests(keep func(domain.RoleUpgradeRequest) bool, asc bool) []domain.RoleUpgradeRequest {
	res := make([]domain.RoleUpgradeRequest, 0)
	for _, req := range m.st.requests {
		if keep(req) {
			res = append(res, m.withEmail(req))
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].RequestedAt.Equal(res[j].RequestedAt) {
			return res[i].RequestedAt.Before(res[j].RequestedAt) == asc
		}
		return (m.st.seq[res[i].ID] < m.st.seq[res[j].ID]) == asc
	})
	return res
}

func (m *MemoryStore) RecordActivity(_ context.Context, a domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.activities = append(m.st.activities, a)
	return nil
}

// ListActivity returns the latest activity rows of userID.
func (m *MemoryStore) ListActivity(_ context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Activity, 0)
	for i := len(m.st.activities) - 1; i >= 0 && len(res) < limit; i-- {
		if a := m.st.activities[i]; a.UserID == userID {
			res = append(res, a)
		}
	}
	return res, nil
}

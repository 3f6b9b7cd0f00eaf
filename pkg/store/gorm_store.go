package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fileshare/pkg/domain"
)

const migrateLockID int64 = 51730417

const defaultActivityLimit = 100

type GormStoreOptions struct {
	SkipMigrations bool
	Logger         gormlogger.Interface
}

type GormStoreOption func(*GormStoreOptions)

// WithoutMigrations opens the store without running AutoMigrate.
func WithoutMigrations() GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SkipMigrations = true
	}
}

// WithGormLogger overrides the default warn-level GORM logger.
func WithGormLogger(l gormlogger.Interface) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Logger = l
	}
}

// GormStore implements Store using GORM. Postgres in production, any dialector in tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn), options...)
}

// NewGormStoreWithDialector opens a store on an arbitrary GORM dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: opts.Logger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if !opts.SkipMigrations {
		if err := withMigrationLock(db, func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&UserModel{},
				&FileModel{},
				&FileShareModel{},
				&QuotaModel{},
				&RoleRequestModel{},
				&ActivityModel{},
			); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Atomic runs fn in a DB transaction.
func (s *GormStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "mfa_enabled", "mfa_secret", "updated_at"}),
	}).Create(&model).Error
	return translate(err)
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.findUser(s.db.WithContext(ctx), "email = ?", email)
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(s.db.WithContext(ctx), "id = ?", id)
}

// LockUser reads a user with FOR UPDATE.
func (s *GormStore) LockUser(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), "id = ?", id)
}

func (s *GormStore) findUser(db *gorm.DB, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := db.Where(query, arg).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserRole changes the stored role.
func (s *GormStore) SetUserRole(ctx context.Context, id string, role domain.UserRole) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"role": string(role), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns all users, newest first.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return lo.Map(models, func(m UserModel, _ int) domain.User { return userFromModel(m) }), nil
}

// ListUsersWithoutMFA returns users that joined at or after joinedSince and have no MFA, oldest first.
func (s *GormStore) ListUsersWithoutMFA(ctx context.Context, joinedSince time.Time) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).
		Where("mfa_enabled = ? AND created_at >= ?", false, joinedSince.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return lo.Map(models, func(m UserModel, _ int) domain.User { return userFromModel(m) }), nil
}

// CountUsersWithoutMFA counts users that have not enabled MFA.
func (s *GormStore) CountUsersWithoutMFA(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("mfa_enabled = ?", false).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetQuota returns the ledger row, creating it when absent.
func (s *GormStore) GetQuota(ctx context.Context, userID string) (domain.QuotaEntry, error) {
	return s.quotaRow(s.db.WithContext(ctx), userID, false)
}

// LockQuota returns the ledger row under FOR UPDATE, creating it when absent.
func (s *GormStore) LockQuota(ctx context.Context, userID string) (domain.QuotaEntry, error) {
	return s.quotaRow(s.db.WithContext(ctx), userID, true)
}

func (s *GormStore) quotaRow(db *gorm.DB, userID string, lock bool) (domain.QuotaEntry, error) {
	seed := QuotaModel{UserID: userID, UsedBytes: 0, UpdatedAt: time.Now().UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("ensure quota row: %w", err)
	}
	query := db
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model QuotaModel
	if err := query.Where("user_id = ?", userID).Take(&model).Error; err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("load quota row: %w", err)
	}
	return domain.QuotaEntry{UserID: model.UserID, UsedBytes: model.UsedBytes, UpdatedAt: model.UpdatedAt}, nil
}

// SetQuotaUsed overwrites used_bytes for a user.
func (s *GormStore) SetQuotaUsed(ctx context.Context, userID string, used int64) error {
	res := s.db.WithContext(ctx).Model(&QuotaModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"used_bytes": used, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFile inserts a file record and its share links.
func (s *GormStore) CreateFile(ctx context.Context, f domain.File) error {
	model := fileToModel(f)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	if len(f.SharedWith) > 0 {
		return s.AddFileShares(ctx, f.ID, f.SharedWith)
	}
	return nil
}

type fileRow struct {
	FileModel  `gorm:"embedded"`
	OwnerEmail string
}

func (s *GormStore) fileQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("file_models").
		Select("file_models.*, user_models.email AS owner_email").
		Joins("LEFT JOIN user_models ON user_models.id = file_models.owner_id")
}

// GetFile returns a file with its recipients.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.File, bool, error) {
	return s.findFile(ctx, "file_models.id = ?", id)
}

// GetFileByToken looks a file up by download token.
func (s *GormStore) GetFileByToken(ctx context.Context, token string) (domain.File, bool, error) {
	if token == "" {
		return domain.File{}, false, nil
	}
	return s.findFile(ctx, "file_models.download_token = ?", token)
}

func (s *GormStore) findFile(ctx context.Context, query string, arg any) (domain.File, bool, error) {
	var rows []fileRow
	if err := s.fileQuery(ctx).Where(query, arg).Limit(1).Scan(&rows).Error; err != nil {
		return domain.File{}, false, err
	}
	if len(rows) == 0 {
		return domain.File{}, false, nil
	}
	files, err := s.withShares(ctx, rows)
	if err != nil {
		return domain.File{}, false, err
	}
	return files[0], true, nil
}

func (s *GormStore) withShares(ctx context.Context, rows []fileRow) ([]domain.File, error) {
	if len(rows) == 0 {
		return []domain.File{}, nil
	}
	ids := lo.Map(rows, func(r fileRow, _ int) string { return r.ID })
	var shares []FileShareModel
	if err := s.db.WithContext(ctx).Where("file_id IN ?", ids).Order("created_at ASC").Find(&shares).Error; err != nil {
		return nil, err
	}
	byFile := lo.GroupBy(shares, func(sh FileShareModel) string { return sh.FileID })
	files := make([]domain.File, 0, len(rows))
	for _, row := range rows {
		f := fileFromModel(row.FileModel)
		f.OwnerEmail = row.OwnerEmail
		if links, ok := byFile[row.ID]; ok {
			f.SharedWith = lo.Map(links, func(sh FileShareModel, _ int) string { return sh.UserID })
		}
		files = append(files, f)
	}
	return files, nil
}

// UpdateFileSharing sets status and download token.
func (s *GormStore) UpdateFileSharing(ctx context.Context, id string, status domain.FileStatus, token string) error {
	res := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "download_token": token})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFileShares links recipients to a file. Existing links are kept.
func (s *GormStore) AddFileShares(ctx context.Context, fileID string, userIDs []string) error {
	userIDs = lo.Uniq(lo.Compact(userIDs))
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := lo.Map(userIDs, func(uid string, _ int) FileShareModel {
		return FileShareModel{FileID: fileID, UserID: uid, CreatedAt: now}
	})
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models).Error
}

// DeleteFile removes a file row and its share links.
func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	db := s.db.WithContext(ctx)
	if err := db.Delete(&FileShareModel{}, "file_id = ?", id).Error; err != nil {
		return err
	}
	res := db.Delete(&FileModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilesByOwner returns files uploaded by ownerID, newest first.
func (s *GormStore) ListFilesByOwner(ctx context.Context, ownerID string) ([]domain.File, error) {
	var rows []fileRow
	if err := s.fileQuery(ctx).
		Where("file_models.owner_id = ?", ownerID).
		Order("file_models.created_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return s.withShares(ctx, rows)
}

// ListFilesSharedWith returns files shared with userID, newest first.
func (s *GormStore) ListFilesSharedWith(ctx context.Context, userID string) ([]domain.File, error) {
	var rows []fileRow
	if err := s.fileQuery(ctx).
		Joins("JOIN file_share_models ON file_share_models.file_id = file_models.id").
		Where("file_share_models.user_id = ?", userID).
		Order("file_models.created_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return s.withShares(ctx, rows)
}

// CountFilesByOwner counts files uploaded by ownerID.
func (s *GormStore) CountFilesByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&FileModel{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SumFileSizesByOwner adds up size_bytes of every file owned by ownerID.
func (s *GormStore) SumFileSizesByOwner(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&FileModel{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Where("owner_id = ?", ownerID).
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// CreateRoleRequest inserts a request. A second pending row for the same user
// violates idx_role_request_one_pending and returns ErrDuplicate.
func (s *GormStore) CreateRoleRequest(ctx context.Context, req domain.RoleUpgradeRequest) error {
	model := roleRequestToModel(req)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

type roleRequestRow struct {
	RoleRequestModel `gorm:"embedded"`
	UserEmail        string
}

func (s *GormStore) roleRequestQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("role_request_models").
		Select("role_request_models.*, user_models.email AS user_email").
		Joins("LEFT JOIN user_models ON user_models.id = role_request_models.user_id")
}

// GetPendingRoleRequest returns the user's pending request, if any.
func (s *GormStore) GetPendingRoleRequest(ctx context.Context, userID string) (domain.RoleUpgradeRequest, bool, error) {
	var rows []roleRequestRow
	if err := s.roleRequestQuery(ctx).
		Where("role_request_models.user_id = ? AND role_request_models.status = ?", userID, string(domain.RequestPending)).
		Limit(1).
		Scan(&rows).Error; err != nil {
		return domain.RoleUpgradeRequest{}, false, err
	}
	if len(rows) == 0 {
		return domain.RoleUpgradeRequest{}, false, nil
	}
	return roleRequestFromRow(rows[0]), true, nil
}

// DecideRoleRequest moves a pending request to approved or rejected.
func (s *GormStore) DecideRoleRequest(ctx context.Context, id string, status domain.RequestStatus, decidedBy string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&RoleRequestModel{}).
		Where("id = ? AND status = ?", id, string(domain.RequestPending)).
		Updates(map[string]any{"status": string(status), "decided_by": decidedBy, "decided_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectPendingRoleRequests rejects every pending request of userID.
func (s *GormStore) RejectPendingRoleRequests(ctx context.Context, userID, decidedBy string, at time.Time) (int, error) {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&RoleRequestModel{}).
		Where("user_id = ? AND status = ?", userID, string(domain.RequestPending)).
		Updates(map[string]any{"status": string(domain.RequestRejected), "decided_by": decidedBy, "decided_at": &at})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ListPendingRoleRequests returns pending requests, oldest first.
func (s *GormStore) ListPendingRoleRequests(ctx context.Context) ([]domain.RoleUpgradeRequest, error) {
	var rows []roleRequestRow
	if err := s.roleRequestQuery(ctx).
		Where("role_request_models.status = ?", string(domain.RequestPending)).
		Order("role_request_models.requested_at ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r roleRequestRow, _ int) domain.RoleUpgradeRequest { return roleRequestFromRow(r) }), nil
}

// ListRoleRequestsByUser returns every request of userID, newest first.
func (s *GormStore) ListRoleRequestsByUser(ctx context.Context, userID string) ([]domain.RoleUpgradeRequest, error) {
	var rows []roleRequestRow
	if err := s.roleRequestQuery(ctx).
		Where("role_request_models.user_id = ?", userID).
		Order("role_request_models.requested_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r roleRequestRow, _ int) domain.RoleUpgradeRequest { return roleRequestFromRow(r) }), nil
}

// RecordActivity appends an audit row.
func (s *GormStore) RecordActivity(ctx context.Context, a domain.Activity) error {
	model, err := activityToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListActivity returns the latest activity rows of userID.
func (s *GormStore) ListActivity(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	var models []ActivityModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return lo.Map(models, func(m ActivityModel, _ int) domain.Activity { return activityFromModel(m) }), nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		MFAEnabled:   u.MFAEnabled,
		MFASecret:    u.MFASecret,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	role := domain.UserRole(m.Role)
	if !role.Valid() {
		role = domain.RoleGuest
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Role:         role,
		MFAEnabled:   m.MFAEnabled,
		MFASecret:    m.MFASecret,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	var token *string
	if f.DownloadToken != "" {
		value := f.DownloadToken
		token = &value
	}
	return FileModel{
		ID:            f.ID,
		OwnerID:       f.OwnerID,
		Name:          f.Name,
		Extension:     f.Extension,
		SizeBytes:     f.SizeBytes,
		Status:        string(f.Status),
		DownloadToken: token,
		ExpiryAt:      f.ExpiryAt,
		StorageKey:    f.StorageKey,
		ContentType:   f.ContentType,
		CreatedAt:     f.CreatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:            m.ID,
		Name:          m.Name,
		Extension:     m.Extension,
		SizeBytes:     m.SizeBytes,
		OwnerID:       m.OwnerID,
		Status:        domain.FileStatus(m.Status),
		DownloadToken: lo.FromPtr(m.DownloadToken),
		ExpiryAt:      m.ExpiryAt,
		StorageKey:    m.StorageKey,
		ContentType:   m.ContentType,
		CreatedAt:     m.CreatedAt,
	}
}

func roleRequestToModel(r domain.RoleUpgradeRequest) RoleRequestModel {
	return RoleRequestModel{
		ID:            r.ID,
		UserID:        r.UserID,
		CurrentRole:   string(r.CurrentRole),
		RequestedRole: string(r.RequestedRole),
		Status:        string(r.Status),
		RequestedAt:   r.RequestedAt,
		DecidedAt:     r.DecidedAt,
		DecidedBy:     r.DecidedBy,
	}
}

func roleRequestFromRow(r roleRequestRow) domain.RoleUpgradeRequest {
	return domain.RoleUpgradeRequest{
		ID:            r.ID,
		UserID:        r.UserID,
		UserEmail:     r.UserEmail,
		CurrentRole:   domain.UserRole(r.CurrentRole),
		RequestedRole: domain.UserRole(r.RequestedRole),
		Status:        domain.RequestStatus(r.Status),
		RequestedAt:   r.RequestedAt,
		DecidedAt:     r.DecidedAt,
		DecidedBy:     r.DecidedBy,
	}
}

func activityToModel(a domain.Activity) (ActivityModel, error) {
	var details []byte
	if len(a.Details) > 0 {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return ActivityModel{}, fmt.Errorf("encode activity details: %w", err)
		}
		details = raw
	}
	return ActivityModel{
		ID:        a.ID,
		UserID:    a.UserID,
		Action:    string(a.Action),
		SubjectID: a.SubjectID,
		Details:   details,
		CreatedAt: a.CreatedAt,
	}, nil
}

func activityFromModel(m ActivityModel) domain.Activity {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.Activity{
		ID:        m.ID,
		UserID:    m.UserID,
		Action:    domain.ActivityAction(m.Action),
		SubjectID: m.SubjectID,
		Details:   details,
		CreatedAt: m.CreatedAt,
	}
}

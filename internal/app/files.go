package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"fileshare/internal/policy"
	"fileshare/internal/quota"
	"fileshare/internal/util"
	"fileshare/pkg/domain"
	"fileshare/pkg/storage"
	"fileshare/pkg/store"
)

const (
	defaultExpiryDays  = 7
	minExpiryDays      = 1
	maxExpiryDays      = 30
	downloadTokenBytes = 32
)

// UploadInput describes one file upload.
type UploadInput struct {
	Name   string
	Body   io.Reader
	Size   int64
	Status string
	// ExpiryDays is nil when the caller did not choose one.
	ExpiryDays *int
}

// UploadFile stores the blob, then reserves quota and inserts the record in one
// transaction. A failed transaction leaves no record, no quota change and, best
// effort, no blob.
func (a *App) UploadFile(ctx context.Context, owner domain.User, in UploadInput) (domain.File, error) {
	if !policy.CanUpload(owner.Role) {
		return domain.File{}, fmt.Errorf("%w: guests cannot upload files", ErrForbidden)
	}
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(in.Name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return domain.File{}, fmt.Errorf("%w: file name required", ErrValidation)
	}
	if in.Body == nil {
		return domain.File{}, fmt.Errorf("%w: file content required", ErrValidation)
	}
	limit := policy.MaxUploadBytes(owner.Role)
	if in.Size < 1 || in.Size > limit {
		return domain.File{}, fmt.Errorf("%w: file size must be between 1 byte and %d MB", ErrValidation, limit>>20)
	}
	status, ok := domain.ParseFileStatus(in.Status)
	if !ok {
		return domain.File{}, fmt.Errorf("%w: status must be private or public", ErrValidation)
	}
	days := defaultExpiryDays
	if in.ExpiryDays != nil {
		days = *in.ExpiryDays
	}
	if days < minExpiryDays || days > maxExpiryDays {
		return domain.File{}, fmt.Errorf("%w: expiry days must be between %d and %d", ErrValidation, minExpiryDays, maxExpiryDays)
	}

	// Cheap early rejection before bytes are shipped to object storage. The
	// locked check inside the transaction is authoritative.
	entry, err := quota.GetOrCreate(ctx, a.store, owner.ID)
	if err != nil {
		return domain.File{}, err
	}
	if allocated := quota.Allocated(owner.Role); entry.UsedBytes+in.Size > allocated {
		return domain.File{}, &quota.ExceededError{Attempted: in.Size, Available: max(0, allocated-entry.UsedBytes)}
	}

	token, err := util.NewSecretToken(downloadTokenBytes)
	if err != nil {
		return domain.File{}, fmt.Errorf("generate download token: %w", err)
	}
	now := a.now()
	expiry := now.Add(time.Duration(days) * 24 * time.Hour)
	id := uuid.NewString()
	file := domain.File{
		ID:            id,
		Name:          name,
		Extension:     domain.ExtensionOf(name),
		SizeBytes:     in.Size,
		OwnerID:       owner.ID,
		OwnerEmail:    owner.Email,
		Status:        status,
		DownloadToken: token,
		ExpiryAt:      &expiry,
		StorageKey:    buildStorageKey(owner.ID, id, name),
		ContentType:   contentTypeFor(name),
		CreatedAt:     now,
	}

	if err := a.objects.Put(ctx, file.StorageKey, uploadBody(in), in.Size, file.ContentType); err != nil {
		return domain.File{}, fmt.Errorf("save file: %w", err)
	}
	err = a.store.Atomic(ctx, func(tx store.Store) error {
		// The role may have changed since the caller authenticated.
		current, ok, err := tx.LockUser(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if !policy.CanUpload(current.Role) {
			return fmt.Errorf("%w: guests cannot upload files", ErrForbidden)
		}
		if limit := policy.MaxUploadBytes(current.Role); file.SizeBytes > limit {
			return fmt.Errorf("%w: file size must be between 1 byte and %d MB", ErrValidation, limit>>20)
		}
		if err := quota.Reserve(ctx, tx, current, file.SizeBytes); err != nil {
			return err
		}
		if err := tx.CreateFile(ctx, file); err != nil {
			return fmt.Errorf("save file record: %w", err)
		}
		return tx.RecordActivity(ctx, a.activity(owner.ID, domain.ActionUpload, file.ID, map[string]any{
			"name": file.Name,
			"size": file.SizeBytes,
		}))
	})
	if err != nil {
		a.removeBlob(ctx, file.StorageKey)
		return domain.File{}, err
	}
	return file, nil
}

// uploadBody bounds the body to the declared size. Multipart files are
// io.ReaderAt, which keeps the body seekable for the object store.
func uploadBody(in UploadInput) io.Reader {
	if ra, ok := in.Body.(io.ReaderAt); ok {
		return io.NewSectionReader(ra, 0, in.Size)
	}
	return io.LimitReader(in.Body, in.Size)
}

// DeleteFile removes a file owned by requester and releases its quota.
// Files owned by someone else are reported as not found.
func (a *App) DeleteFile(ctx context.Context, requester domain.User, fileID string) error {
	var deleted domain.File
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		file, ok, err := tx.GetFile(ctx, fileID)
		if err != nil {
			return fmt.Errorf("fetch file: %w", err)
		}
		if !ok || !policy.CanDelete(requester, file) {
			return ErrNotFound
		}
		if err := tx.DeleteFile(ctx, file.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("delete file record: %w", err)
		}
		if err := quota.Release(ctx, tx, requester.ID, file.SizeBytes); err != nil {
			return err
		}
		deleted = file
		return tx.RecordActivity(ctx, a.activity(requester.ID, domain.ActionDelete, file.ID, map[string]any{
			"name": file.Name,
			"size": file.SizeBytes,
		}))
	})
	if err != nil {
		return err
	}
	a.removeBlob(ctx, deleted.StorageKey)
	return nil
}

// ShareResult reports which recipients were added.
type ShareResult struct {
	File    domain.File `json:"file"`
	Shared  []string    `json:"sharedWith"`
	Skipped []string    `json:"skipped,omitempty"`
}

// ShareFile grants recipients access, makes the file public and issues a new
// download token. Emails that resolve to no user, and the owner's own email,
// are skipped.
func (a *App) ShareFile(ctx context.Context, requester domain.User, fileID string, emails []string) (ShareResult, error) {
	normalized := lo.Uniq(lo.Compact(lo.Map(emails, func(e string, _ int) string {
		return strings.ToLower(strings.TrimSpace(e))
	})))
	token, err := util.NewSecretToken(downloadTokenBytes)
	if err != nil {
		return ShareResult{}, fmt.Errorf("generate download token: %w", err)
	}

	var result ShareResult
	err = a.store.Atomic(ctx, func(tx store.Store) error {
		file, ok, err := tx.GetFile(ctx, fileID)
		if err != nil {
			return fmt.Errorf("fetch file: %w", err)
		}
		if !ok || !policy.CanShare(requester, file) {
			return ErrNotFound
		}
		var recipientIDs []string
		result.Shared, result.Skipped = nil, nil
		for _, email := range normalized {
			if _, err := mail.ParseAddress(email); err != nil || email == requester.Email {
				result.Skipped = append(result.Skipped, email)
				continue
			}
			u, found, err := tx.GetUserByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("resolve recipient: %w", err)
			}
			if !found || u.ID == file.OwnerID {
				result.Skipped = append(result.Skipped, email)
				continue
			}
			recipientIDs = append(recipientIDs, u.ID)
			result.Shared = append(result.Shared, email)
		}
		if err := tx.AddFileShares(ctx, file.ID, recipientIDs); err != nil {
			return fmt.Errorf("add shares: %w", err)
		}
		if err := tx.UpdateFileSharing(ctx, file.ID, domain.FilePublic, token); err != nil {
			return fmt.Errorf("update sharing: %w", err)
		}
		if err := tx.RecordActivity(ctx, a.activity(requester.ID, domain.ActionShare, file.ID, map[string]any{
			"recipients": len(recipientIDs),
			"skipped":    len(result.Skipped),
		})); err != nil {
			return err
		}
		updated, _, err := tx.GetFile(ctx, file.ID)
		if err != nil {
			return fmt.Errorf("reload file: %w", err)
		}
		result.File = updated
		return nil
	})
	if err != nil {
		return ShareResult{}, err
	}
	return result, nil
}

// ResolveDownload looks up a file by download token and opens its content.
// Expiry is checked before any bytes are opened. The caller closes the reader.
func (a *App) ResolveDownload(ctx context.Context, token string) (domain.File, io.ReadCloser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.File{}, nil, ErrNotFound
	}
	file, ok, err := a.store.GetFileByToken(ctx, token)
	if err != nil {
		return domain.File{}, nil, fmt.Errorf("fetch file: %w", err)
	}
	if !ok {
		return domain.File{}, nil, ErrNotFound
	}
	if file.Expired(a.now()) {
		return domain.File{}, nil, ErrExpired
	}
	body, err := a.objects.Get(ctx, file.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		util.LoggerFromContext(ctx).Warn("file_blob_missing", "file_id", file.ID)
		return domain.File{}, nil, ErrNotFound
	}
	if err != nil {
		return domain.File{}, nil, fmt.Errorf("open file: %w", err)
	}
	return file, body, nil
}

// ListOwned returns the user's files, newest first.
func (a *App) ListOwned(ctx context.Context, user domain.User) ([]domain.File, error) {
	return a.store.ListFilesByOwner(ctx, user.ID)
}

// ListShared returns files shared with the user, newest first, with the owner's email.
func (a *App) ListShared(ctx context.Context, user domain.User) ([]domain.File, error) {
	return a.store.ListFilesSharedWith(ctx, user.ID)
}

func (a *App) activity(userID string, action domain.ActivityAction, subjectID string, details map[string]any) domain.Activity {
	return domain.Activity{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		SubjectID: subjectID,
		Details:   details,
		CreatedAt: a.now(),
	}
}

// removeBlob deletes an object after the request outcome is decided.
// Failures leave an orphaned blob and are only logged.
func (a *App) removeBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("file_blob_delete_failed", "storage_key", key, "err", err)
	}
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func buildStorageKey(ownerID, fileID, filename string) string {
	name := sanitizeFilename(filename)
	if name == "" {
		name = "file"
	}
	return path.Join("files", ownerID, fileID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_.")
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"fileshare/internal/app"
	"fileshare/internal/policy"
	"fileshare/internal/util"
	"fileshare/pkg/domain"
)

const (
	// multipartOverhead is the slack allowed on top of the file itself for
	// boundaries and the small form fields.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	defaultActivity   = 50
)

type shareRequest struct {
	Emails []string `json:"emails"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, user domain.User) {
	dash, err := s.app.Dashboard(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !policy.CanUpload(user.Role) {
		s.audit(r, "files.upload", "fail", "user_id", user.ID, "reason", "role")
		writeError(w, http.StatusForbidden, "FORBIDDEN", "guests cannot upload files")
		return
	}
	limit := policy.MaxUploadBytes(user.Role)
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()

	var expiryDays *int
	if raw := strings.TrimSpace(r.FormValue("expiry_days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "expiry_days must be an integer")
			return
		}
		expiryDays = &n
	}

	created, err := s.app.UploadFile(r.Context(), user, app.UploadInput{
		Name:       header.Filename,
		Body:       file,
		Size:       header.Size,
		Status:     r.FormValue("status"),
		ExpiryDays: expiryDays,
	})
	if err != nil {
		s.audit(r, "files.upload", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "files.upload", "success", "user_id", user.ID, "file_id", created.ID, "size", created.SizeBytes)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, user domain.User) {
	fileID := r.PathValue("id")
	if err := s.app.DeleteFile(r.Context(), user, fileID); err != nil {
		s.audit(r, "files.delete", "fail", "user_id", user.ID, "file_id", fileID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "files.delete", "success", "user_id", user.ID, "file_id", fileID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req shareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	fileID := r.PathValue("id")
	res, err := s.app.ShareFile(r.Context(), user, fileID, req.Emails)
	if err != nil {
		s.audit(r, "files.share", "fail", "user_id", user.ID, "file_id", fileID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "files.share", "success", "user_id", user.ID, "file_id", fileID, "recipients", len(res.Shared))
	res.Shared = orEmpty(res.Shared)
	writeJSON(w, http.StatusOK, res)
}

// handleDownload is public: possession of the token is the capability.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.downloadLimiter, "too many download attempts") {
		s.audit(r, "files.download", "rate_limited")
		return
	}
	file, body, err := s.app.ResolveDownload(r.Context(), r.PathValue("token"))
	if err != nil {
		s.audit(r, "files.download", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	defer body.Close()

	util.SetAttachmentHeaders(w.Header(), file.Name, file.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download_stream_failed", "file_id", file.ID, "err", err)
		return
	}
	s.audit(r, "files.download", "success", "file_id", file.ID)
}

func (s *Server) handleListOwned(w http.ResponseWriter, r *http.Request, user domain.User) {
	files, err := s.app.ListOwned(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(files))
}

func (s *Server) handleListShared(w http.ResponseWriter, r *http.Request, user domain.User) {
	files, err := s.app.ListShared(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(files))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit := defaultActivity
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.app.ListActivity(r.Context(), user, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(items))
}

// role workflow
func (s *Server) handleRequestUpgrade(w http.ResponseWriter, r *http.Request, user domain.User) {
	req, err := s.app.RequestUpgrade(r.Context(), user)
	if err != nil {
		s.audit(r, "roles.request", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "roles.request", "success", "user_id", user.ID, "requested_role", req.RequestedRole)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleMyRoleRequests(w http.ResponseWriter, r *http.Request, user domain.User) {
	reqs, err := s.app.ListMyRequests(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(reqs))
}

func (s *Server) handlePendingRoleRequests(w http.ResponseWriter, r *http.Request, admin domain.User) {
	reqs, err := s.app.ListPendingRequests(r.Context(), admin)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(reqs))
}

func (s *Server) handleApproveUpgrade(w http.ResponseWriter, r *http.Request, admin domain.User) {
	s.decide(w, r, admin, "roles.approve", s.app.ApproveUpgrade)
}

func (s *Server) handleRejectUpgrade(w http.ResponseWriter, r *http.Request, admin domain.User) {
	s.decide(w, r, admin, "roles.reject", s.app.RejectUpgrade)
}

type decideFunc func(ctx context.Context, admin domain.User, userID string) (domain.RoleUpgradeRequest, error)

func (s *Server) decide(w http.ResponseWriter, r *http.Request, admin domain.User, event string, fn decideFunc) {
	targetID := r.PathValue("user_id")
	req, err := fn(r.Context(), admin, targetID)
	if err != nil {
		s.audit(r, event, "fail", "user_id", admin.ID, "target_id", targetID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, event, "success", "user_id", admin.ID, "target_id", targetID, "role_request_id", req.ID)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request, admin domain.User) {
	targetID := r.PathValue("user_id")
	updated, err := s.app.DowngradeToGuest(r.Context(), admin, targetID)
	if err != nil {
		s.audit(r, "roles.downgrade", "fail", "user_id", admin.ID, "target_id", targetID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "roles.downgrade", "success", "user_id", admin.ID, "target_id", targetID)
	writeJSON(w, http.StatusOK, updated)
}

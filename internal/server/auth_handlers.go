package server

import (
	"errors"
	"io"
	"net/http"

	"fileshare/internal/app"
	"fileshare/pkg/domain"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	app.Tokens
	User domain.User `json:"user"`
}

type mfaChallengeResponse struct {
	MFARequired bool   `json:"mfaRequired"`
	ChallengeID string `json:"challengeId"`
	ExpiresIn   int    `json:"expiresIn"`
}

type verifyMFALoginRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type roleUpdateRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	user, tokens, err := s.app.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Tokens: tokens, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	res, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	if res.MFARequired {
		challengeID, ttl, err := s.mfa.CreateChallenge(r.Context(), res.User.ID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "auth.login", "mfa_required", "user_id", res.User.ID)
		writeJSON(w, http.StatusOK, mfaChallengeResponse{MFARequired: true, ChallengeID: challengeID, ExpiresIn: ttl})
		return
	}
	s.audit(r, "auth.login", "success", "user_id", res.User.ID)
	writeJSON(w, http.StatusOK, authResponse{Tokens: res.Tokens, User: res.User})
}

func (s *Server) handleVerifyMFALogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.mfaLimiter, "too many verification attempts") {
		s.audit(r, "auth.verify_mfa", "rate_limited")
		return
	}
	var req verifyMFALoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	var (
		user   domain.User
		tokens app.Tokens
	)
	err := s.mfa.VerifyChallenge(r.Context(), req.ChallengeID, req.Code, func(userID, code string) error {
		var err error
		user, tokens, err = s.app.CompleteMFALogin(r.Context(), userID, code)
		return err
	})
	if err != nil {
		s.audit(r, "auth.verify_mfa", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.verify_mfa", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Tokens: tokens, User: user})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.refreshLimiter, "too many refresh attempts") {
		s.audit(r, "auth.refresh", "rate_limited")
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	user, tokens, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Tokens: tokens, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request, user domain.User) {
	key, err := s.app.SetupMFA(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.mfa_setup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":     key.Secret,
		"otpauthUrl": key.URI,
	})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.mfaLimiter, "too many verification attempts") {
		s.audit(r, "auth.mfa_verify", "rate_limited", "user_id", user.ID)
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	updated, tokens, err := s.app.VerifyMFASetup(r.Context(), user, req.Code)
	if err != nil {
		s.audit(r, "auth.mfa_verify", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.mfa_verify", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Tokens: tokens, User: updated})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

// admin handlers
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, admin domain.User) {
	users, err := s.app.ListUsers(r.Context(), admin)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": orEmpty(users),
		"count": len(users),
	})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request, admin domain.User) {
	var req roleUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	targetID := r.PathValue("id")
	updated, err := s.app.AdminUpdateRole(r.Context(), admin, targetID, req.Role)
	if err != nil {
		s.audit(r, "admin.role_update", "fail", "user_id", admin.ID, "target_id", targetID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "admin.role_update", "success", "user_id", admin.ID, "target_id", targetID, "role", updated.Role)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMFAPending(w http.ResponseWriter, r *http.Request, admin domain.User) {
	users, err := s.app.ListMFAPending(r.Context(), admin)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": orEmpty(users),
		"count": len(users),
	})
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fileshare/internal/app"
	"fileshare/internal/ratelimit"
	"fileshare/internal/security"
	"fileshare/internal/util"
	"fileshare/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Redis                      *redis.Client
	TrustedProxies             *util.TrustedProxies
	CORSAllowedOrigins         []string
	SignupRateLimitPerMinute   int
	LoginRateLimitPerMinute    int
	RefreshRateLimitPerMinute  int
	MFARateLimitPerMinute      int
	DownloadRateLimitPerMinute int
}

// Server exposes the fileshare HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	mfa             *mfaStore
	alerter         *security.AuditAlerter
	trusted         *util.TrustedProxies
	allowedOrigins  []string
	signupLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	refreshLimiter  *ratelimit.FixedWindowLimiter
	mfaLimiter      *ratelimit.FixedWindowLimiter
	downloadLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	if cfg.Redis == nil {
		return nil, errors.New("server requires a redis client")
	}
	newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "fileshare:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	mfa, err := newMFAStore(cfg.Redis)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		mfa:            mfa,
		alerter:        security.NewAuditAlerter(cfg.Redis, "fileshare:alerts"),
		trusted:        cfg.TrustedProxies,
		allowedOrigins: cfg.CORSAllowedOrigins,
	}
	if s.signupLimiter, err = newLimiter("signup", cfg.SignupRateLimitPerMinute, 5); err != nil {
		return nil, err
	}
	if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
		return nil, err
	}
	if s.refreshLimiter, err = newLimiter("refresh", cfg.RefreshRateLimitPerMinute, 20); err != nil {
		return nil, err
	}
	if s.mfaLimiter, err = newLimiter("mfa", cfg.MFARateLimitPerMinute, 10); err != nil {
		return nil, err
	}
	if s.downloadLimiter, err = newLimiter("download", cfg.DownloadRateLimitPerMinute, 60); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux, s.allowedOrigins...))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/verify-mfa", s.handleVerifyMFALogin)
	s.mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	s.mux.Handle("POST /auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("POST /auth/mfa/setup", s.authenticated(s.handleMFASetup))
	s.mux.Handle("POST /auth/mfa/verify", s.authenticated(s.handleMFAVerify))
	s.mux.Handle("GET /auth/me", s.authenticated(s.handleMe))
	s.mux.HandleFunc("GET /auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	// admin user management
	s.mux.Handle("GET /auth/users", s.adminOnly(s.handleListUsers))
	s.mux.Handle("PATCH /auth/users/{id}/role", s.adminOnly(s.handleUpdateRole))
	s.mux.Handle("GET /auth/mfa-pending", s.adminOnly(s.handleMFAPending))

	// files
	s.mux.Handle("GET /files/user-data", s.authenticated(s.handleDashboard))
	s.mux.Handle("POST /files/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("DELETE /files/delete/{id}", s.authenticated(s.handleDelete))
	s.mux.Handle("POST /files/share/{id}", s.authenticated(s.handleShare))
	s.mux.HandleFunc("GET /files/download/{token}", s.handleDownload)
	s.mux.Handle("GET /files/uploaded-files", s.authenticated(s.handleListOwned))
	s.mux.Handle("GET /files/shared-files", s.authenticated(s.handleListShared))
	s.mux.Handle("GET /files/activity", s.authenticated(s.handleActivity))

	// role workflow
	s.mux.Handle("POST /files/request-upgrade", s.authenticated(s.handleRequestUpgrade))
	s.mux.Handle("GET /files/my-role-requests", s.authenticated(s.handleMyRoleRequests))
	s.mux.Handle("GET /files/role-requests", s.adminOnly(s.handlePendingRoleRequests))
	s.mux.Handle("POST /files/approve-upgrade/{user_id}", s.adminOnly(s.handleApproveUpgrade))
	s.mux.Handle("POST /files/reject-upgrade/{user_id}", s.adminOnly(s.handleRejectUpgrade))
	s.mux.Handle("POST /files/downgrade-to-guest/{user_id}", s.adminOnly(s.handleDowngrade))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "FORBIDDEN", "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		return domain.User{}, false
	}
	user, ok := s.app.UserFromToken(r.Context(), token)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "invalid_or_revoked")
		return domain.User{}, false
	}
	return user, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

// audit logs a security_event and feeds failures to the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate keys the budget on the route pattern so every download token
// shares one bucket per client.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	decision := limiter.Allow(r.Context(), route+"|"+util.ClientIP(r, s.trusted))
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", msg)
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps core errors onto status codes. Anything unrecognised is
// logged and reported as a bare 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrQuotaExceeded):
		return http.StatusBadRequest, "QUOTA_EXCEEDED"
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, app.ErrExpired):
		return http.StatusGone, "LINK_EXPIRED"
	case errors.Is(err, app.ErrDuplicatePending):
		return http.StatusConflict, "ROLE_REQUEST_PENDING"
	case errors.Is(err, app.ErrAlreadyMaximal):
		return http.StatusBadRequest, "ROLE_ALREADY_MAXIMAL"
	case errors.Is(err, app.ErrCannotDowngradeAdmin):
		return http.StatusBadRequest, "ROLE_CANNOT_DOWNGRADE_ADMIN"
	case errors.Is(err, app.ErrCannotChangeOwnRole):
		return http.StatusBadRequest, "ROLE_CANNOT_CHANGE_OWN"
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS"
	case errors.Is(err, app.ErrEmailAlreadyExists):
		return http.StatusBadRequest, "AUTH_EMAIL_EXISTS"
	case errors.Is(err, app.ErrRefreshTokenRequired):
		return http.StatusBadRequest, "AUTH_REFRESH_TOKEN_REQUIRED"
	case errors.Is(err, app.ErrInvalidRefreshToken):
		return http.StatusUnauthorized, "AUTH_INVALID_REFRESH_TOKEN"
	case errors.Is(err, app.ErrInvalidMFACode):
		return http.StatusBadRequest, "AUTH_INVALID_MFA_CODE"
	case errors.Is(err, app.ErrMFAAlreadyEnabled):
		return http.StatusBadRequest, "AUTH_MFA_ALREADY_ENABLED"
	case errors.Is(err, app.ErrMFANotStarted):
		return http.StatusBadRequest, "AUTH_MFA_NOT_STARTED"
	case errors.Is(err, errMFAChallengeRequired), errors.Is(err, errMFACodeRequired):
		return http.StatusBadRequest, "AUTH_MFA_CHALLENGE_REQUIRED"
	case errors.Is(err, errMFAChallengeInvalid), errors.Is(err, errMFAChallengeExpired):
		return http.StatusUnauthorized, "AUTH_MFA_CHALLENGE_INVALID"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

// orEmpty keeps empty listings encoded as [] rather than null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"fileshare/internal/quota"
	"fileshare/internal/util"
	"fileshare/pkg/auth"
	"fileshare/pkg/domain"
	"fileshare/pkg/store"
)

const maxNameLength = 100

// Tokens is an access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult carries either tokens or, when MFA is enabled, the user who still
// has to present a one-time code.
type LoginResult struct {
	User        domain.User
	Tokens      Tokens
	MFARequired bool
}

// Register creates a guest account and signs it in.
func (a *App) Register(ctx context.Context, email, name, password string) (domain.User, Tokens, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	if len(name) > maxNameLength {
		return domain.User{}, Tokens{}, fmt.Errorf("%w: name is too long", ErrValidation)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, Tokens{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := a.createUser(ctx, email, name, hash, domain.RoleGuest)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	tokens, err := a.issueTokens(ctx, user.ID)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	return user, tokens, nil
}

// Login validates credentials. Accounts with MFA get MFARequired and no tokens.
func (a *App) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return LoginResult{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.MFAEnabled {
		return LoginResult{User: user, MFARequired: true}, nil
	}
	tokens, err := a.issueTokens(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Tokens: tokens}, nil
}

// CompleteMFALogin checks the second factor of userID and issues tokens.
func (a *App) CompleteMFALogin(ctx context.Context, userID, code string) (domain.User, Tokens, error) {
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !user.MFAEnabled {
		return domain.User{}, Tokens{}, ErrInvalidCredentials
	}
	if err := auth.ValidateTOTP(user.MFASecret, code, a.now()); err != nil {
		return domain.User{}, Tokens{}, ErrInvalidMFACode
	}
	tokens, err := a.issueTokens(ctx, user.ID)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	return user, tokens, nil
}

// Refresh rotates the refresh token and issues a new pair.
func (a *App) Refresh(ctx context.Context, refreshToken string) (domain.User, Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.User{}, Tokens{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refreshTokens.RotateToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return domain.User{}, Tokens{}, ErrInvalidRefreshToken
		}
		return domain.User{}, Tokens{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	user, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		_ = a.refreshTokens.DeleteToken(ctx, next)
		return domain.User{}, Tokens{}, ErrInvalidRefreshToken
	}
	access, err := a.sessions.NewSession(user.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(ctx, next)
		return domain.User{}, Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	return user, Tokens{AccessToken: access, RefreshToken: next}, nil
}

// Logout invalidates the access token and, when given, the refresh token.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		if err := a.refreshTokens.DeleteToken(ctx, refreshToken); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	return nil
}

// SetupMFA generates and stores a new TOTP secret. MFA stays disabled until
// VerifyMFASetup confirms a code.
func (a *App) SetupMFA(ctx context.Context, user domain.User) (auth.TOTPKey, error) {
	current, ok, err := a.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return auth.TOTPKey{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return auth.TOTPKey{}, ErrNotFound
	}
	if current.MFAEnabled {
		return auth.TOTPKey{}, ErrMFAAlreadyEnabled
	}
	key, err := auth.GenerateTOTP(a.mfaIssuer, current.Email)
	if err != nil {
		return auth.TOTPKey{}, fmt.Errorf("generate totp secret: %w", err)
	}
	current.MFASecret = key.Secret
	current.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, current); err != nil {
		return auth.TOTPKey{}, fmt.Errorf("save user: %w", err)
	}
	return key, nil
}

// VerifyMFASetup enables MFA once a code matches, revokes sessions issued
// before this second and returns a fresh token pair.
func (a *App) VerifyMFASetup(ctx context.Context, user domain.User, code string) (domain.User, Tokens, error) {
	current, ok, err := a.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, Tokens{}, ErrNotFound
	}
	if current.MFAEnabled {
		return domain.User{}, Tokens{}, ErrMFAAlreadyEnabled
	}
	if current.MFASecret == "" {
		return domain.User{}, Tokens{}, ErrMFANotStarted
	}
	now := a.now()
	if err := auth.ValidateTOTP(current.MFASecret, code, now); err != nil {
		return domain.User{}, Tokens{}, ErrInvalidMFACode
	}
	current.MFAEnabled = true
	current.UpdatedAt = now
	if err := a.store.SaveUser(ctx, current); err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("save user: %w", err)
	}
	// Token iat has second precision; the cutoff sits just before this second
	// so the pair issued below stays valid.
	if err := a.revokeAllUserTokens(ctx, current.ID, now.Truncate(time.Second).Add(-time.Nanosecond)); err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("revoke user tokens: %w", err)
	}
	tokens, err := a.issueTokens(ctx, current.ID)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	return current, tokens, nil
}

// UserFromToken resolves a user from an access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(ctx, uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

// EnsureAdmin creates an admin account, or promotes and re-keys an existing one.
func (a *App) EnsureAdmin(ctx context.Context, email, name, password string) (domain.User, bool, error) {
	return ProvisionAdmin(ctx, a.store, a.now(), email, name, password)
}

// ProvisionAdmin is EnsureAdmin for callers that only hold a Store, such as
// the createadmin command. created reports whether a new account was made.
func ProvisionAdmin(ctx context.Context, s store.Store, now time.Time, email, name, password string) (user domain.User, created bool, err error) {
	email, err = normalizeEmail(email)
	if err != nil {
		return domain.User{}, false, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("hash password: %w", err)
	}
	name = strings.TrimSpace(name)
	existing, ok, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		if name == "" {
			name = "Administrator"
		}
		user, err := insertUser(ctx, s, now, email, name, hash, domain.RoleAdmin)
		return user, err == nil, err
	}
	existing.Role = domain.RoleAdmin
	existing.PasswordHash = hash
	existing.UpdatedAt = now
	if name != "" {
		existing.Name = name
	}
	if err := s.SaveUser(ctx, existing); err != nil {
		return domain.User{}, false, fmt.Errorf("save user: %w", err)
	}
	return existing, false, nil
}

func (a *App) createUser(ctx context.Context, email, name, passwordHash string, role domain.UserRole) (domain.User, error) {
	return insertUser(ctx, a.store, a.now(), email, name, passwordHash, role)
}

// insertUser saves a new account together with its empty quota row.
func insertUser(ctx context.Context, s store.Store, now time.Time, email, name, passwordHash string, role domain.UserRole) (domain.User, error) {
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	if _, err := quota.GetOrCreate(ctx, s, user.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("quota_row_create_failed", "user_id", user.ID, "err", err)
	}
	return user, nil
}

func (a *App) issueTokens(ctx context.Context, userID string) (Tokens, error) {
	access, err := a.sessions.NewSession(userID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refreshTokens.NewToken(ctx, userID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (a *App) revokeAllUserTokens(ctx context.Context, userID string, since time.Time) error {
	if revoker, ok := a.sessions.(store.UserSessionRevoker); ok {
		if err := revoker.RevokeUserSessions(userID, since); err != nil {
			return err
		}
	}
	return a.refreshTokens.RevokeUserRefreshTokens(ctx, userID)
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email format is invalid", ErrValidation)
	}
	return email, nil
}

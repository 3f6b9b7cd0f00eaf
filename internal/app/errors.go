package app

import (
	"errors"

	"fileshare/internal/quota"
)

var (
	// ErrValidation marks malformed input; wrap it with the offending detail.
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	// ErrQuotaExceeded matches *quota.ExceededError.
	ErrQuotaExceeded = quota.ErrQuotaExceeded
	// ErrExpired is returned for a download token past its expiry. It is terminal.
	ErrExpired = errors.New("download link expired")

	ErrDuplicatePending     = errors.New("an upgrade request is already pending")
	ErrAlreadyMaximal       = errors.New("role is already the highest")
	ErrCannotDowngradeAdmin = errors.New("admins cannot be downgraded")
	ErrCannotChangeOwnRole  = errors.New("cannot change own role")

	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials   = errors.New("incorrect email address or password")
	ErrEmailAlreadyExists   = errors.New("email already exists")
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrInvalidMFACode       = errors.New("invalid verification code")
	ErrMFAAlreadyEnabled    = errors.New("two-factor authentication already enabled")
	ErrMFANotStarted        = errors.New("two-factor setup has not been started")
)

package auth

import (
	"errors"

	"medportal.org/internal/notify"
)

var (
	ErrValidation        = errors.New("auth: validation failed")
	ErrNotFound          = errors.New("auth: not found")
	ErrExpiredOrNotFound = errors.New("auth: expired or not found")
	ErrTooManyAttempts   = errors.New("auth: too many attempts")
	ErrTooManyResends    = errors.New("auth: too many resends")
	ErrInvalidCode       = errors.New("auth: invalid code")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrRevokedOrExpired  = errors.New("auth: session revoked or expired")
	ErrConfiguration     = errors.New("auth: configuration error")
	ErrInvalidCredential = errors.New("auth: invalid credentials")
	ErrConflict          = errors.New("auth: conflict")

	ErrUnauthenticated  = errors.New("auth: unauthenticated")
	ErrUserTypeMismatch = errors.New("auth: user type not allowed")
	ErrPermissionDenied = errors.New("auth: permission denied")
)

// ErrDelivery matches notification failures surfaced by the engines.
var ErrDelivery = notify.ErrDelivery

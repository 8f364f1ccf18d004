package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNoPermissions      = errors.New("auth: account has no permissions")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
)

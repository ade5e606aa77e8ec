package auth

import "errors"

var (
	ErrAuthFailed      = errors.New("auth: authentication failed")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrExpired         = errors.New("auth: expired")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrPolicyMissing   = errors.New("auth: procedure access not found")
	ErrNotFound        = errors.New("auth: not found")
	ErrIPMismatch      = errors.New("auth: source ip mismatch")
	ErrDecrypt         = errors.New("auth: decrypt password error")
	ErrEncrypt         = errors.New("auth: encrypt message error")
	ErrAlreadyExists   = errors.New("auth: already exists")
	ErrInvalidInput    = errors.New("auth: invalid input")
)

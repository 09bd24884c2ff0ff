package auth

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateAccount   = errors.New("an account with this email already exists")
	ErrNotFound           = errors.New("no account found with this email")
	ErrInvalidCredentials = errors.New("invalid password")
	ErrInvalidSession     = errors.New("invalid session")
	ErrMissingUserData    = errors.New("session has no user data")
)

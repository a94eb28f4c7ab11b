package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminName is the operator name accepted by PasswordAuthenticator.
const AdminName = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid operator name or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrLoginDisabled      = errors.New("operator login is not configured")
)

// PasswordAuthenticator checks the admin password against a bcrypt hash.
type PasswordAuthenticator struct {
	hash []byte
}

var _ Authenticator = (*PasswordAuthenticator)(nil)

// NewPasswordAuthenticator creates an authenticator for passwordHash. An
// empty hash rejects every login with ErrLoginDisabled.
func NewPasswordAuthenticator(passwordHash string) (*PasswordAuthenticator, error) {
	if passwordHash != "" {
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, fmt.Errorf("invalid admin password hash: %w", err)
		}
	}
	return &PasswordAuthenticator{hash: []byte(passwordHash)}, nil
}

// Authenticate verifies name and password.
func (a *PasswordAuthenticator) Authenticate(_ context.Context, name, credential string) (*Operator, error) {
	if len(a.hash) == 0 {
		return nil, ErrLoginDisabled
	}
	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(AdminName)) == 1
	// Always run bcrypt so a wrong name costs the same as a wrong password.
	pwErr := bcrypt.CompareHashAndPassword(a.hash, []byte(credential))
	if !nameOK || pwErr != nil {
		return nil, ErrInvalidCredentials
	}
	return &Operator{Name: AdminName}, nil
}

// HashPassword returns the bcrypt hash to put in ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

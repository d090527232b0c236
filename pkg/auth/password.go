// Package auth implements identity and authorization: password hashing,
// access/refresh JWTs with rotation and replay detection, API keys, signed
// session and CSRF cookies, RBAC with scopes, the visibility policy and
// in-memory rate limiting.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for any username/password mismatch. Caller
// responses must not distinguish unknown user from wrong password.
var ErrBadCredentials = errors.New("invalid credentials")

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword compares a plaintext password with its stored hash.
func VerifyPassword(hash, password string) error {
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

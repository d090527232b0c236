package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

// ErrReplayDetected is returned when a rotated-away refresh token is
// presented again. All of the user's tokens are revoked as a side effect.
var ErrReplayDetected = errors.New("refresh token replay detected")

// RefreshStore is the subset of the auth store the rotator needs.
type RefreshStore interface {
	GetRefreshToken(jti string) (*models.RefreshToken, error)
	PutRefreshToken(t *models.RefreshToken) error
	RotateRefreshToken(oldJTI string, newToken *models.RefreshToken) error
	RevokeAllRefreshTokensForUser(uid string) (int64, error)
}

// Rotator implements single-use refresh token rotation with replay
// detection. Rotation chains are linked through replaced_by; presenting a
// link that already has a successor burns the whole chain.
type Rotator struct {
	store  RefreshStore
	issuer *TokenIssuer
}

// NewRotator creates a refresh rotator over the given store and issuer.
func NewRotator(s RefreshStore, issuer *TokenIssuer) *Rotator {
	return &Rotator{store: s, issuer: issuer}
}

// RequestMeta carries per-rotation client attribution.
type RequestMeta struct {
	DeviceID  string
	IP        string
	UserAgent string
}

// Issue mints and persists the first refresh token of a new chain.
func (r *Rotator) Issue(userID string, meta RequestMeta) (string, error) {
	token, jti, expiresAt, err := r.issuer.MintRefresh(userID)
	if err != nil {
		return "", err
	}
	rec := &models.RefreshToken{
		JTI:       jti,
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt,
		DeviceID:  meta.DeviceID,
		LastIP:    meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.PutRefreshToken(rec); err != nil {
		return "", err
	}
	return token, nil
}

// Rotate validates the presented refresh token and exchanges it for a new
// one. Hash mismatch and replay both revoke every token of the user.
func (r *Rotator) Rotate(presented string, meta RequestMeta) (string, string, error) {
	claims, err := r.issuer.Parse(presented, TokenTypeRefresh)
	if err != nil {
		return "", "", ErrInvalidToken
	}

	rec, err := r.store.GetRefreshToken(claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrInvalidToken
	}
	if err != nil {
		return "", "", err
	}
	if time.Now().After(rec.ExpiresAt) {
		return "", "", ErrInvalidToken
	}

	if rec.Revoked {
		if rec.ReplacedBy != "" {
			// The chain moved on and the old link resurfaced: replay.
			return "", "", r.burn(rec.UserID, "rotated token replayed")
		}
		return "", "", ErrInvalidToken
	}

	if !VerifyTokenHash(rec.TokenHash, presented) {
		// Well-formed JWT with our signature and a live jti, but the wrong
		// plaintext hash. Treat it as compromise of the chain.
		return "", "", r.burn(rec.UserID, "token hash mismatch")
	}

	newToken, newJTI, expiresAt, err := r.issuer.MintRefresh(rec.UserID)
	if err != nil {
		return "", "", err
	}
	newRec := &models.RefreshToken{
		JTI:       newJTI,
		UserID:    rec.UserID,
		TokenHash: HashToken(newToken),
		ExpiresAt: expiresAt,
		DeviceID:  meta.DeviceID,
		LastIP:    meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.RotateRefreshToken(rec.JTI, newRec); err != nil {
		return "", "", err
	}
	return newToken, rec.UserID, nil
}

// burn revokes every refresh token of the user and reports replay.
func (r *Rotator) burn(userID, reason string) error {
	n, err := r.store.RevokeAllRefreshTokensForUser(userID)
	if err != nil {
		return fmt.Errorf("revoking tokens after %s: %w", reason, err)
	}
	slog.Warn("Revoked all refresh tokens for user",
		"user_id", userID, "reason", reason, "revoked", n)
	return ErrReplayDetected
}

package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

// LoginResult carries everything a successful login produces.
type LoginResult struct {
	User         *models.User
	AccessToken  string
	RefreshToken string
}

// APIKeyResult is returned once at key creation; the plaintext is never
// stored.
type APIKeyResult struct {
	ID        string `json:"id"`
	Plaintext string `json:"key"`
	Prefix    string `json:"prefix"`
}

// AccountService implements users, credentials, invites and quotas.
type AccountService struct {
	cfg     config.AuthConfig
	store   *store.AuthStore
	issuer  *auth.TokenIssuer
	rotator *auth.Rotator
}

// NewAccountService creates the account service.
func NewAccountService(cfg config.AuthConfig, st *store.AuthStore, issuer *auth.TokenIssuer, rotator *auth.Rotator) *AccountService {
	if st == nil {
		panic("NewAccountService: store must not be nil")
	}
	return &AccountService{cfg: cfg, store: st, issuer: issuer, rotator: rotator}
}

// BootstrapAdmin creates the initial admin account when the users table is
// empty and credentials were configured. Idempotent across restarts.
func (s *AccountService) BootstrapAdmin() error {
	if s.cfg.AdminUsername == "" || s.cfg.AdminPassword == "" {
		return nil
	}
	n, err := s.store.CountUsers()
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if n > 0 {
		return nil
	}
	hash, err := auth.HashPassword(s.cfg.AdminPassword)
	if err != nil {
		return err
	}
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     s.cfg.AdminUsername,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.PutUser(u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}
	slog.Info("Bootstrapped admin account", "username", u.Username)
	return nil
}

// Login verifies credentials and mints an access/refresh pair. The error
// is the same for unknown user and wrong password.
func (s *AccountService) Login(username, password string, meta auth.RequestMeta) (*LoginResult, error) {
	u, err := s.store.GetUserByUsername(username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time so the two failure modes look alike.
		auth.VerifyPassword("$2a$10$invalidsaltinvalidsaltinvalidAAAAAAAAAAAAAAAAAAAAAAAAA", password)
		return nil, auth.ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, auth.ErrBadCredentials
	}

	access, err := s.issuer.MintAccess(u.ID, u.Role, nil)
	if err != nil {
		return nil, err
	}
	refresh, err := s.rotator.Issue(u.ID, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates a refresh token and mints a fresh access token.
func (s *AccountService) Refresh(presented string, meta auth.RequestMeta) (*LoginResult, error) {
	newRefresh, userID, err := s.rotator.Rotate(presented, meta)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	access, err := s.issuer.MintAccess(u.ID, u.Role, nil)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, AccessToken: access, RefreshToken: newRefresh}, nil
}

// Logout revokes the presented refresh token. Unknown tokens are ignored;
// logout must always succeed for the client.
func (s *AccountService) Logout(presented string) {
	claims, err := s.issuer.Parse(presented, auth.TokenTypeRefresh)
	if err != nil {
		return
	}
	if err := s.store.RevokeRefreshToken(claims.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Revoking refresh token at logout", "error", err)
	}
}

// GetUser returns a user by ID.
func (s *AccountService) GetUser(id string) (*models.User, error) {
	u, err := s.store.GetUser(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

// CreateInvite mints a single-use invite token valid for ttl. The
// plaintext token is returned once.
func (s *AccountService) CreateInvite(createdBy string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := "inv_" + hex.EncodeToString(buf)
	inv := &models.Invite{
		TokenHash: auth.HashToken(token),
		CreatedBy: createdBy,
		ExpiresAt: time.Now().UTC().Add(ttl),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutInvite(inv); err != nil {
		return "", err
	}
	return token, nil
}

// RedeemInvite consumes an invite and creates the account.
func (s *AccountService) RedeemInvite(token, username, password string) (*models.User, error) {
	if username == "" {
		return nil, NewValidationError("username", "username is required")
	}
	if len(password) < 8 {
		return nil, NewValidationError("password", "password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleOperator,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.PutUser(u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: username taken", ErrAlreadyExists)
		}
		return nil, err
	}
	if err := s.store.RedeemInvite(auth.HashToken(token), u.ID, time.Now().UTC()); err != nil {
		// Invite failed after user insert; remove the half-created account
		// by revoking nothing further — the unique username blocks reuse,
		// so surface the invite error.
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: invite invalid or expired", ErrNotFound)
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: invite already used", ErrAlreadyExists)
		}
		return nil, err
	}
	slog.Info("Invite redeemed", "username", username)
	return u, nil
}

// CreateAPIKey mints and stores an API key for a user.
func (s *AccountService) CreateAPIKey(userID string, scopes []models.Scope) (*APIKeyResult, error) {
	for _, sc := range scopes {
		if !sc.Valid() {
			return nil, NewValidationError("scopes", fmt.Sprintf("unknown scope %q", sc))
		}
	}
	plaintext, prefix, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	k := &models.APIKey{
		ID:        uuid.NewString(),
		Prefix:    prefix,
		KeyHash:   keyHash,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	k.SetScopes(scopes)
	if err := s.store.PutAPIKey(k); err != nil {
		return nil, err
	}
	return &APIKeyResult{ID: k.ID, Plaintext: plaintext, Prefix: prefix}, nil
}

// ListAPIKeys lists a user's keys (hashes never leave the store layer).
func (s *AccountService) ListAPIKeys(userID string) ([]*models.APIKey, error) {
	return s.store.ListAPIKeysForUser(userID)
}

// RevokeAPIKey revokes one key.
func (s *AccountService) RevokeAPIKey(id string) error {
	err := s.store.RevokeAPIKey(id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ResolveAPIKey authenticates a presented API key: prefix lookup, then a
// constant-time hash compare over every candidate.
func (s *AccountService) ResolveAPIKey(presented string) (*models.User, []models.Scope, error) {
	prefix, ok := auth.SplitAPIKey(presented)
	if !ok {
		return nil, nil, auth.ErrUnauthenticated
	}
	candidates, err := s.store.FindAPIKeysByPrefix(prefix)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range candidates {
		if auth.VerifyTokenHash(k.KeyHash, presented) {
			u, err := s.store.GetUser(k.UserID)
			if err != nil {
				return nil, nil, err
			}
			return u, k.Scopes(), nil
		}
	}
	return nil, nil, auth.ErrUnauthenticated
}

// GetQuota / SetQuota expose per-user quota overrides for admins.
func (s *AccountService) GetQuota(userID string) (*models.UserQuota, error) {
	q, err := s.store.GetUserQuota(userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return q, err
}

func (s *AccountService) SetQuota(userID string, q *models.UserQuota) error {
	return s.store.SetUserQuota(userID, q)
}

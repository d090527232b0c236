package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

func newTestAccountService(t *testing.T) *AccountService {
	t.Helper()
	st, err := store.OpenAuthStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.AuthConfig{
		JWTSecret:       []byte("test-jwt-secret"),
		SessionSecret:   []byte("test-session-secret"),
		CSRFSecret:      []byte("test-csrf-secret"),
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		AdminUsername:   "root",
		AdminPassword:   "correct horse battery",
	}
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	rotator := auth.NewRotator(st, issuer)
	return NewAccountService(cfg, st, issuer, rotator)
}

func TestBootstrapAdminIdempotent(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())
	require.NoError(t, s.BootstrapAdmin())

	res, err := s.Login("root", "correct horse battery", auth.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.User.Role)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())

	_, err := s.Login("root", "wrong", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrBadCredentials)
	_, err = s.Login("nobody", "wrong", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrBadCredentials,
		"unknown user and wrong password return the same error")
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())
	login, err := s.Login("root", "correct horse battery", auth.RequestMeta{})
	require.NoError(t, err)

	first, err := s.Refresh(login.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, first.RefreshToken)

	// Replaying the consumed token burns the whole chain.
	_, err = s.Refresh(login.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrReplayDetected)
	_, err = s.Refresh(first.RefreshToken, auth.RequestMeta{})
	assert.Error(t, err, "successor is dead after the burn")
}

func TestInviteLifecycle(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())
	admin, err := s.Login("root", "correct horse battery", auth.RequestMeta{})
	require.NoError(t, err)

	token, err := s.CreateInvite(admin.User.ID, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, token, "inv_")

	u, err := s.RedeemInvite(token, "newuser", "a strong password")
	require.NoError(t, err)
	assert.Equal(t, "newuser", u.Username)
	assert.Equal(t, models.RoleOperator, u.Role)

	_, err = s.RedeemInvite(token, "another", "a strong password")
	assert.Error(t, err, "invites are single use")

	_, err = s.Login("newuser", "a strong password", auth.RequestMeta{})
	require.NoError(t, err)
}

func TestAPIKeyResolve(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())
	admin, err := s.Login("root", "correct horse battery", auth.RequestMeta{})
	require.NoError(t, err)

	created, err := s.CreateAPIKey(admin.User.ID, []models.Scope{models.ScopeReadJob})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Plaintext)

	u, scopes, err := s.ResolveAPIKey(created.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, admin.User.ID, u.ID)
	assert.Equal(t, []models.Scope{models.ScopeReadJob}, scopes)

	_, _, err = s.ResolveAPIKey("dp_0000000000_deadbeef")
	assert.Error(t, err)

	require.NoError(t, s.RevokeAPIKey(created.ID))
	_, _, err = s.ResolveAPIKey(created.Plaintext)
	assert.Error(t, err, "revoked key no longer resolves")
}

func TestCreateAPIKeyRejectsUnknownScope(t *testing.T) {
	s := newTestAccountService(t)
	require.NoError(t, s.BootstrapAdmin())
	admin, err := s.Login("root", "correct horse battery", auth.RequestMeta{})
	require.NoError(t, err)

	_, err = s.CreateAPIKey(admin.User.ID, []models.Scope{"launch:missiles"})
	assert.True(t, IsValidationError(err))
}

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/models"
)

func newTestAuthStore(t *testing.T) *AuthStore {
	t.Helper()
	s, err := OpenAuthStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testUser(id, username string) *models.User {
	return &models.User{
		ID:           id,
		Username:     username,
		PasswordHash: "$2a$10$hash",
		Role:         models.RoleOperator,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestUserUniqueUsername(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("u1", "alice")))

	err := s.PutUser(testUser("u2", "alice"))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	n, err := s.CountUsers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func refreshRec(jti, uid string) *models.RefreshToken {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.RefreshToken{
		JTI: jti, UserID: uid, TokenHash: "hash-" + jti,
		ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
}

func TestRotateRefreshTokenLinksChain(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("u1", "alice")))
	require.NoError(t, s.PutRefreshToken(refreshRec("old", "u1")))

	require.NoError(t, s.RotateRefreshToken("old", refreshRec("new", "u1")))

	old, err := s.GetRefreshToken("old")
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	assert.Equal(t, "new", old.ReplacedBy)

	fresh, err := s.GetRefreshToken("new")
	require.NoError(t, err)
	assert.False(t, fresh.Revoked)

	// Rotating an already-revoked token is a conflict: the rotation chain
	// admits exactly one successor.
	err = s.RotateRefreshToken("old", refreshRec("again", "u1"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRevokeAllRefreshTokensForUser(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("u1", "alice")))
	require.NoError(t, s.PutUser(testUser("u2", "bob")))
	require.NoError(t, s.PutRefreshToken(refreshRec("a", "u1")))
	require.NoError(t, s.PutRefreshToken(refreshRec("b", "u1")))
	require.NoError(t, s.PutRefreshToken(refreshRec("c", "u2")))

	n, err := s.RevokeAllRefreshTokensForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	c, err := s.GetRefreshToken("c")
	require.NoError(t, err)
	assert.False(t, c.Revoked, "other users' tokens are untouched")
}

func TestInviteSingleUse(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("admin", "root")))
	now := time.Now().UTC()
	require.NoError(t, s.PutInvite(&models.Invite{
		TokenHash: "h1", CreatedBy: "admin",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))

	require.NoError(t, s.RedeemInvite("h1", "u9", now))
	err := s.RedeemInvite("h1", "u10", now)
	assert.ErrorIs(t, err, ErrConflict)

	assert.ErrorIs(t, s.RedeemInvite("missing", "u9", now), ErrNotFound)

	require.NoError(t, s.PutInvite(&models.Invite{
		TokenHash: "h2", CreatedBy: "admin",
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
	}))
	assert.ErrorIs(t, s.RedeemInvite("h2", "u9", now), ErrNotFound, "expired invites read as not found")
}

func TestAPIKeyPrefixLookup(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("u1", "alice")))
	now := time.Now().UTC().Truncate(time.Second)
	k := &models.APIKey{
		ID: "k1", UserID: "u1", Prefix: "abcdef0123",
		KeyHash: "hash", CreatedAt: now,
	}
	k.SetScopes([]models.Scope{models.ScopeReadJob})
	require.NoError(t, s.PutAPIKey(k))

	found, err := s.FindAPIKeysByPrefix("abcdef0123")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, []models.Scope{models.ScopeReadJob}, found[0].Scopes())

	require.NoError(t, s.RevokeAPIKey("k1"))
	found, err = s.FindAPIKeysByPrefix("abcdef0123")
	require.NoError(t, err)
	assert.Empty(t, found, "revoked keys never resolve")
}

func TestUserQuotaUpsert(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.PutUser(testUser("u1", "alice")))

	_, err := s.GetUserQuota("u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetUserQuota("u1", &models.UserQuota{JobsPerDay: 5}))
	require.NoError(t, s.SetUserQuota("u1", &models.UserQuota{JobsPerDay: 9}))

	q, err := s.GetUserQuota("u1")
	require.NoError(t, err)
	assert.Equal(t, 9, q.JobsPerDay)
}

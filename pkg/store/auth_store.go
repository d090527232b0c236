package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/dubplane/dubplane/pkg/models"
)

// AuthStore owns the identity database: users, refresh tokens, API keys,
// invites and per-user quota overrides.
type AuthStore struct {
	db *db
}

// OpenAuthStore opens (or creates) the auth database at path.
func OpenAuthStore(path string) (*AuthStore, error) {
	d, err := openDB(path, "auth")
	if err != nil {
		return nil, err
	}
	return &AuthStore{db: d}, nil
}

// Close releases the connection and the process lock file.
func (s *AuthStore) Close() error { return s.db.close() }

// --- users ---

// PutUser inserts a new user. A duplicate username maps to ErrConflict.
func (s *AuthStore) PutUser(u *models.User) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO users (id, username, password_hash, role, totp_secret, created_at)
			VALUES (:id, :username, :password_hash, :role, :totp_secret, :created_at)`, u)
		if isUniqueViolation(err) {
			return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
		}
		return err
	})
}

// GetUser fetches a user by id.
func (s *AuthStore) GetUser(id string) (*models.User, error) {
	var u models.User
	err := s.db.conn.Get(&u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

// GetUserByUsername fetches a user by username.
func (s *AuthStore) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	err := s.db.conn.Get(&u, `SELECT * FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

// CountUsers returns the total number of accounts.
func (s *AuthStore) CountUsers() (int, error) {
	var n int
	err := s.db.conn.Get(&n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// --- refresh tokens ---

// PutRefreshToken inserts a new refresh token row.
func (s *AuthStore) PutRefreshToken(t *models.RefreshToken) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO refresh_tokens (jti, user_id, token_hash, expires_at, revoked,
				replaced_by, device_id, last_ip, user_agent, created_at)
			VALUES (:jti, :user_id, :token_hash, :expires_at, :revoked,
				:replaced_by, :device_id, :last_ip, :user_agent, :created_at)`, t)
		return err
	})
}

// GetRefreshToken fetches a refresh token row by jti.
func (s *AuthStore) GetRefreshToken(jti string) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := s.db.conn.Get(&t, `SELECT * FROM refresh_tokens WHERE jti = ?`, jti)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

// RotateRefreshToken atomically revokes the old token (pointing it at its
// successor) and inserts the new one. The old row must still be active.
func (s *AuthStore) RotateRefreshToken(oldJTI string, newToken *models.RefreshToken) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE refresh_tokens SET revoked = 1, replaced_by = ?
			WHERE jti = ? AND revoked = 0`, newToken.JTI, oldJTI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("rotating %s: %w", oldJTI, ErrConflict)
		}
		_, err = tx.NamedExec(`
			INSERT INTO refresh_tokens (jti, user_id, token_hash, expires_at, revoked,
				replaced_by, device_id, last_ip, user_agent, created_at)
			VALUES (:jti, :user_id, :token_hash, :expires_at, :revoked,
				:replaced_by, :device_id, :last_ip, :user_agent, :created_at)`, newToken)
		return err
	})
}

// RevokeRefreshToken marks a single token revoked.
func (s *AuthStore) RevokeRefreshToken(jti string) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE jti = ?`, jti)
		return err
	})
}

// RevokeAllRefreshTokensForUser revokes every token owned by uid. Used on
// replay detection and hash mismatch.
func (s *AuthStore) RevokeAllRefreshTokensForUser(uid string) (int64, error) {
	var n int64
	err := s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ? AND revoked = 0`, uid)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// --- api keys ---

// PutAPIKey inserts a new API key row.
func (s *AuthStore) PutAPIKey(k *models.APIKey) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO api_keys (id, prefix, key_hash, scopes, user_id, revoked, created_at)
			VALUES (:id, :prefix, :key_hash, :scopes, :user_id, :revoked, :created_at)`, k)
		return err
	})
}

// FindAPIKeysByPrefix returns every non-revoked key with the given prefix.
// The caller does a constant-time hash compare over all candidates.
func (s *AuthStore) FindAPIKeysByPrefix(prefix string) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	err := s.db.conn.Select(&keys, `SELECT * FROM api_keys WHERE prefix = ? AND revoked = 0`, prefix)
	return keys, err
}

// RevokeAPIKey marks an API key revoked.
func (s *AuthStore) RevokeAPIKey(id string) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListAPIKeysForUser returns the user's keys, newest first.
func (s *AuthStore) ListAPIKeysForUser(uid string) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	err := s.db.conn.Select(&keys,
		`SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, uid)
	return keys, err
}

// --- invites ---

// PutInvite stores a new invite hash.
func (s *AuthStore) PutInvite(inv *models.Invite) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO invites (token_hash, created_by, expires_at, used_by, created_at)
			VALUES (:token_hash, :created_by, :expires_at, :used_by, :created_at)`, inv)
		return err
	})
}

// RedeemInvite marks an unused, unexpired invite as used by uid. Returns
// ErrNotFound for unknown/expired and ErrConflict for already-used.
func (s *AuthStore) RedeemInvite(tokenHash, uid string, now time.Time) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		var inv models.Invite
		err := tx.Get(&inv, `SELECT * FROM invites WHERE token_hash = ?`, tokenHash)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if now.After(inv.ExpiresAt) {
			return ErrNotFound
		}
		if inv.UsedBy != "" {
			return fmt.Errorf("invite already used: %w", ErrConflict)
		}
		_, err = tx.Exec(`UPDATE invites SET used_by = ? WHERE token_hash = ?`, uid, tokenHash)
		return err
	})
}

// --- quotas ---

// GetUserQuota returns the per-user quota override, or ErrNotFound when the
// user has no override row.
func (s *AuthStore) GetUserQuota(uid string) (*models.UserQuota, error) {
	var q models.UserQuota
	err := s.db.conn.Get(&q, `
		SELECT max_upload_bytes, jobs_per_day, max_concurrent_jobs, max_storage_bytes
		FROM user_quotas WHERE user_id = ?`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &q, err
}

// SetUserQuota upserts the per-user quota override.
func (s *AuthStore) SetUserQuota(uid string, q *models.UserQuota) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.Exec(`
			INSERT INTO user_quotas (user_id, max_upload_bytes, jobs_per_day, max_concurrent_jobs, max_storage_bytes)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				max_upload_bytes = excluded.max_upload_bytes,
				jobs_per_day = excluded.jobs_per_day,
				max_concurrent_jobs = excluded.max_concurrent_jobs,
				max_storage_bytes = excluded.max_storage_bytes`,
			uid, q.MaxUploadBytes, q.JobsPerDay, q.MaxConcurrentJobs, q.MaxStorageBytes)
		return err
	})
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

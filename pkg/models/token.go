package models

import (
	"strings"
	"time"
)

// RefreshToken is one link in a user's rotation chain. Rotation marks the
// old row revoked and points it at its successor via ReplacedBy; presenting
// a revoked token that has a successor is a replay.
type RefreshToken struct {
	JTI        string    `db:"jti" json:"jti"`
	UserID     string    `db:"user_id" json:"user_id"`
	TokenHash  string    `db:"token_hash" json:"-"`
	ExpiresAt  time.Time `db:"expires_at" json:"expires_at"`
	Revoked    bool      `db:"revoked" json:"revoked"`
	ReplacedBy string    `db:"replaced_by" json:"replaced_by,omitempty"`
	DeviceID   string    `db:"device_id" json:"device_id,omitempty"`
	LastIP     string    `db:"last_ip" json:"last_ip,omitempty"`
	UserAgent  string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Scope is a named permission attached to an API key.
type Scope string

// API key scopes. ScopeAdminAll implies every other scope.
const (
	ScopeReadJob   Scope = "read:job"
	ScopeSubmitJob Scope = "submit:job"
	ScopeEditJob   Scope = "edit:job"
	ScopeAdminAll  Scope = "admin:*"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeReadJob, ScopeSubmitJob, ScopeEditJob, ScopeAdminAll:
		return true
	}
	return false
}

// APIKey is a long-lived machine credential. The plaintext key is
// "dp_<prefix>_<secret>"; only the hash of the full key is stored and
// lookup goes through the 10-character prefix.
type APIKey struct {
	ID         string    `db:"id" json:"id"`
	Prefix     string    `db:"prefix" json:"prefix"`
	KeyHash    string    `db:"key_hash" json:"-"`
	ScopesCSV  string    `db:"scopes" json:"-"`
	UserID     string    `db:"user_id" json:"user_id"`
	Revoked    bool      `db:"revoked" json:"revoked"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Scopes decodes the comma-separated scope column.
func (k *APIKey) Scopes() []Scope {
	if k.ScopesCSV == "" {
		return nil
	}
	parts := strings.Split(k.ScopesCSV, ",")
	scopes := make([]Scope, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, Scope(p))
		}
	}
	return scopes
}

// SetScopes encodes scopes into the comma-separated column.
func (k *APIKey) SetScopes(scopes []Scope) {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	k.ScopesCSV = strings.Join(parts, ",")
}

// HasScope reports whether the key grants s, directly or via admin:*.
func (k *APIKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes() {
		if have == s || have == ScopeAdminAll {
			return true
		}
	}
	return false
}

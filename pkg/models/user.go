package models

import "time"

// Role is the coarse-grained permission level of a user.
type Role string

// Roles, ordered viewer < operator < editor < admin.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

var roleOrder = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleEditor:   2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleOrder[r]
	return ok
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return roleOrder[r] >= roleOrder[min]
}

// User is an account holder. Users are never deleted while referenced.
type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         Role      `db:"role" json:"role"`
	TOTPSecret   string    `db:"totp_secret" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Invite is a single-use account-creation token. Only the hash is stored.
type Invite struct {
	TokenHash string    `db:"token_hash" json:"-"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	UsedBy    string    `db:"used_by" json:"used_by,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UserQuota bounds a single user's resource consumption. Zero values fall
// back to the global defaults at check time.
type UserQuota struct {
	MaxUploadBytes    int64 `db:"max_upload_bytes" json:"max_upload_bytes"`
	JobsPerDay        int   `db:"jobs_per_day" json:"jobs_per_day"`
	MaxConcurrentJobs int   `db:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	MaxStorageBytes   int64 `db:"max_storage_bytes" json:"max_storage_bytes"`
}

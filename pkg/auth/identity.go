package auth

import (
	"errors"

	"github.com/dubplane/dubplane/pkg/models"
)

// CredentialMethod records which credential kind authenticated a request.
type CredentialMethod string

// Credential methods, in resolution order.
const (
	MethodAPIKey  CredentialMethod = "api_key"
	MethodBearer  CredentialMethod = "bearer"
	MethodSession CredentialMethod = "session"
)

// Authorization sentinel errors, mapped to 401/403 at the gateway.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID   string
	Username string
	Role     models.Role
	// Scopes is non-nil only for API-key credentials; role-based
	// authorization applies otherwise.
	Scopes []models.Scope
	Method CredentialMethod
}

// IsAdmin reports whether the identity has the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == models.RoleAdmin
}

// RequireRole returns ErrForbidden unless the identity's role is at least
// min.
func (id *Identity) RequireRole(min models.Role) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if !id.Role.AtLeast(min) {
		return ErrForbidden
	}
	return nil
}

// RequireScope grants when the role is admin, when the credential carries
// no scope restriction (cookie/bearer sessions act with the user's role),
// or when the scope set contains s or admin:*.
func (id *Identity) RequireScope(s models.Scope) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if id.Role == models.RoleAdmin {
		return nil
	}
	if id.Scopes == nil {
		return nil
	}
	for _, have := range id.Scopes {
		if have == s || have == models.ScopeAdminAll {
			return nil
		}
	}
	return ErrForbidden
}

// CanViewJob applies the visibility policy for reads: owner and admin
// always; any authenticated user when the job is shared.
func (id *Identity) CanViewJob(ownerID string, visibility models.Visibility) bool {
	if id == nil {
		return false
	}
	if id.IsAdmin() || id.UserID == ownerID {
		return true
	}
	return visibility == models.VisibilityShared
}

// CanMutateJob applies the visibility policy for writes: owner and admin
// only, regardless of visibility.
func (id *Identity) CanMutateJob(ownerID string) bool {
	if id == nil {
		return false
	}
	return id.IsAdmin() || id.UserID == ownerID
}

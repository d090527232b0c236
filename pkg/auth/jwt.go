package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dubplane/dubplane/pkg/models"
)

// Token types carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Sentinel token errors.
var (
	// ErrInvalidToken covers malformed, mis-signed, expired and
	// wrong-type tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the JWT claim set for both access and refresh tokens.
type Claims struct {
	Role   models.Role    `json:"role,omitempty"`
	Scopes []models.Scope `json:"scopes,omitempty"`
	Type   string         `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 access and refresh tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates a token issuer with the given signing secret and
// lifetimes.
func NewTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// MintAccess issues a short-lived access token for the user.
func (i *TokenIssuer) MintAccess(userID string, role models.Role, scopes []models.Scope) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:   role,
		Scopes: scopes,
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// MintRefresh issues a refresh token and returns it with its jti and
// expiry, for persisting the rotation record.
func (i *TokenIssuer) MintRefresh(userID string) (token, jti string, expiresAt time.Time, err error) {
	now := time.Now()
	jti = uuid.NewString()
	expiresAt = now.Add(i.refreshTTL)
	claims := &Claims{
		Type: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	return token, jti, expiresAt, err
}

// Parse verifies signature, expiry and token type, returning the claims.
func (i *TokenIssuer) Parse(tokenString, wantType string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, claims.Type)
	}
	return &claims, nil
}

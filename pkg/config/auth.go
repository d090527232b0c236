package config

import "time"

// AuthConfig holds identity and token settings.
type AuthConfig struct {
	// JWTSecret signs access and refresh tokens (HS256).
	JWTSecret []byte
	// SessionSecret signs session cookies.
	SessionSecret []byte
	// CSRFSecret signs CSRF double-submit cookies.
	CSRFSecret []byte

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// CookieSecure marks cookies Secure (COOKIE_SECURE=1).
	CookieSecure bool

	// AdminUsername/AdminPassword bootstrap the first admin account when the
	// users table is empty. Password is discarded after hashing.
	AdminUsername string
	AdminPassword string
}

// LoadAuthConfig reads auth settings; the three secrets are required.
func LoadAuthConfig() (AuthConfig, error) {
	jwtSecret, err := requireEnv("JWT_SECRET")
	if err != nil {
		return AuthConfig{}, err
	}
	sessionSecret, err := requireEnv("SESSION_SECRET")
	if err != nil {
		return AuthConfig{}, err
	}
	csrfSecret, err := requireEnv("CSRF_SECRET")
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		JWTSecret:       []byte(jwtSecret),
		SessionSecret:   []byte(sessionSecret),
		CSRFSecret:      []byte(csrfSecret),
		AccessTokenTTL:  time.Duration(getEnvInt("ACCESS_TOKEN_MINUTES", 15)) * time.Minute,
		RefreshTokenTTL: time.Duration(getEnvInt("REFRESH_TOKEN_DAYS", 30)) * 24 * time.Hour,
		CookieSecure:    getEnvBool("COOKIE_SECURE", false),
		AdminUsername:   getEnv("ADMIN_USERNAME", ""),
		AdminPassword:   getEnv("ADMIN_PASSWORD", ""),
	}, nil
}

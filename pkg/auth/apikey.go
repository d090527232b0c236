package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// API key wire format: "dp_<prefix>_<secret>". The prefix indexes the
// lookup; the stored hash covers the whole plaintext key.
const (
	apiKeyMarker    = "dp"
	apiKeyPrefixLen = 10
	apiKeySecretLen = 32
)

func randomHex(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}

// GenerateAPIKey returns a fresh plaintext key, its prefix and the hash to
// store. The plaintext is shown to the user exactly once.
func GenerateAPIKey() (plaintext, prefix, keyHash string, err error) {
	prefix, err = randomHex(apiKeyPrefixLen)
	if err != nil {
		return "", "", "", err
	}
	secret, err := randomHex(apiKeySecretLen)
	if err != nil {
		return "", "", "", err
	}
	plaintext = fmt.Sprintf("%s_%s_%s", apiKeyMarker, prefix, secret)
	keyHash = HashToken(plaintext)
	return plaintext, prefix, keyHash, nil
}

// SplitAPIKey extracts the prefix from a presented key. Returns false for
// anything not shaped like an API key.
func SplitAPIKey(presented string) (prefix string, ok bool) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyMarker {
		return "", false
	}
	if len(parts[1]) != apiKeyPrefixLen || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// HashToken returns the hex sha256 of a token's plaintext. Used for API
// keys, refresh tokens and invites.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash compares a presented plaintext against a stored hash in
// constant time.
func VerifyTokenHash(storedHash, presented string) bool {
	presentedHash := HashToken(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}

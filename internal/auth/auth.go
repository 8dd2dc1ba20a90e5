// Package auth validates bearer tokens against configured bcrypt hashes.
// Validated tokens are cached by their SHA-256 digest so bcrypt runs once
// per token per process.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenPrefix marks tokens generated by GenerateToken.
const TokenPrefix = "wl_"

// Credential is a user identity and the bcrypt hash of one of its
// bearer tokens.
type Credential struct {
	UserID string
	Hash   string
}

// Authenticator maps bearer tokens to user IDs.
type Authenticator struct {
	creds  []Credential
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string // sha256(token) -> user ID
}

// NewAuthenticator creates an authenticator for creds.
func NewAuthenticator(creds []Credential, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		creds:  creds,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Authenticate returns the user that owns token.
func (a *Authenticator) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	key := tokenKeyHash(token)

	a.mu.RLock()
	userID, ok := a.cache[key]
	a.mu.RUnlock()
	if ok {
		return userID, true
	}

	for _, c := range a.creds {
		if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(token)) == nil {
			a.mu.Lock()
			a.cache[key] = c.UserID
			a.mu.Unlock()

			a.logger.Debug("token verified", slog.String("user_id", c.UserID))
			return c.UserID, true
		}
	}

	return "", false
}

// tokenKeyHash returns the SHA-256 hex digest of a token so raw tokens
// are never held as map keys.
func tokenKeyHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// GenerateToken returns a new random bearer token.
func GenerateToken() string {
	return TokenPrefix + RandomHex(32)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

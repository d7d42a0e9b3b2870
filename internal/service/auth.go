package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentops/deployops/internal/config"
)

// APIKeyPrefix namespaces operator API keys so a leaked key is recognizable
// in scanners and logs.
const APIKeyPrefix = "dok_"

// AuthService verifies operator API keys against the configured bcrypt
// hashes. Successful verifications are cached by key digest because bcrypt
// is deliberately slow; only keys that verified ever enter the cache.
type AuthService struct {
	enabled bool
	hashes  [][]byte

	mu       sync.RWMutex
	verified map[string]bool
}

// NewAuthService creates an AuthService from the auth configuration.
func NewAuthService(cfg config.Auth) *AuthService {
	hashes := make([][]byte, 0, len(cfg.KeyHashes))
	for _, h := range cfg.KeyHashes {
		hashes = append(hashes, []byte(h))
	}
	return &AuthService{
		enabled:  cfg.Enabled,
		hashes:   hashes,
		verified: make(map[string]bool),
	}
}

// Enabled reports whether requests must present a key.
func (s *AuthService) Enabled() bool {
	return s.enabled
}

// Verify reports whether the presented key matches one of the configured
// hashes. With auth disabled every key, including none, passes.
func (s *AuthService) Verify(rawKey string) bool {
	if !s.enabled {
		return true
	}
	if rawKey == "" {
		return false
	}

	digest := sha256Hex(rawKey)
	s.mu.RLock()
	ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(rawKey)) == nil {
			s.mu.Lock()
			s.verified[digest] = true
			s.mu.Unlock()
			return true
		}
	}
	return false
}

// MintKey generates a fresh operator key together with the bcrypt hash that
// goes into auth.key_hashes. The key itself is never stored.
func MintKey() (key, hash string, err error) {
	raw, err := randomToken(24)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = APIKeyPrefix + raw
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return key, string(h), nil
}

// HashKey returns the bcrypt hash for an existing key.
func HashKey(rawKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(h), nil
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Package keys stores per-organisation provider credentials encrypted at
// rest with AES-256-GCM. Plaintext lives only in process memory, decrypted
// lazily on first use and cached for the lifetime of the process.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors returned by the store.
var (
	ErrNotFound   = errors.New("keys: credential not found")
	ErrBadKey     = errors.New("keys: encryption key must be 32 bytes")
	ErrCiphertext = errors.New("keys: ciphertext malformed")
)

// Record is one stored credential, API key plaintext excluded.
type Record struct {
	OrgID     string
	Provider  string
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Backend persists ciphertext rows. Implementations must be safe for
// concurrent use.
type Backend interface {
	PutCredential(ctx context.Context, orgID, provider, label string, ciphertext []byte) error
	GetCredential(ctx context.Context, orgID, provider string) ([]byte, error)
	DeleteCredential(ctx context.Context, orgID, provider string) error
	ListCredentials(ctx context.Context, orgID string) ([]Record, error)
}

// ParseKey decodes an encryption key from hex or standard base64 and
// validates its length. AES-256 requires exactly 32 bytes.
func ParseKey(encoded string) ([]byte, error) {
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, ErrBadKey
}

// Store encrypts, persists, and serves provider credentials.
type Store struct {
	aead    cipher.AEAD
	backend Backend

	mu    sync.RWMutex
	cache map[string]string // orgID/provider -> plaintext
}

// NewStore wraps backend with an AES-256-GCM cipher derived from key.
func NewStore(key []byte, backend Backend) (*Store, error) {
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keys: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keys: init gcm: %w", err)
	}
	return &Store{aead: aead, backend: backend, cache: make(map[string]string)}, nil
}

func cacheKey(orgID, provider string) string { return orgID + "/" + provider }

// Put encrypts apiKey and persists it for (orgID, provider), replacing any
// existing credential. The plaintext cache entry is refreshed in place.
func (s *Store) Put(ctx context.Context, orgID, provider, label, apiKey string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keys: nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(apiKey), []byte(cacheKey(orgID, provider)))
	if err := s.backend.PutCredential(ctx, orgID, provider, label, ct); err != nil {
		return fmt.Errorf("keys: persist credential: %w", err)
	}
	s.mu.Lock()
	s.cache[cacheKey(orgID, provider)] = apiKey
	s.mu.Unlock()
	return nil
}

// Get returns the plaintext API key for (orgID, provider), decrypting from
// the backend on first use.
func (s *Store) Get(ctx context.Context, orgID, provider string) (string, error) {
	ck := cacheKey(orgID, provider)
	s.mu.RLock()
	if pt, ok := s.cache[ck]; ok {
		s.mu.RUnlock()
		return pt, nil
	}
	s.mu.RUnlock()

	ct, err := s.backend.GetCredential(ctx, orgID, provider)
	if err != nil {
		return "", err
	}
	if len(ct) < s.aead.NonceSize() {
		return "", ErrCiphertext
	}
	nonce, sealed := ct[:s.aead.NonceSize()], ct[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, sealed, []byte(ck))
	if err != nil {
		return "", fmt.Errorf("keys: decrypt credential: %w", err)
	}
	s.mu.Lock()
	s.cache[ck] = string(pt)
	s.mu.Unlock()
	return string(pt), nil
}

// Delete removes the credential and evicts it from the plaintext cache.
func (s *Store) Delete(ctx context.Context, orgID, provider string) error {
	if err := s.backend.DeleteCredential(ctx, orgID, provider); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, cacheKey(orgID, provider))
	s.mu.Unlock()
	return nil
}

// List returns credential metadata for an organisation, plaintext excluded.
func (s *Store) List(ctx context.Context, orgID string) ([]Record, error) {
	return s.backend.ListCredentials(ctx, orgID)
}

// HasCredential reports whether a routable credential exists for
// (orgID, provider). It satisfies the router's credential check and must be
// cheap: cached entries answer without touching the backend.
func (s *Store) HasCredential(orgID, provider string) bool {
	s.mu.RLock()
	_, ok := s.cache[cacheKey(orgID, provider)]
	s.mu.RUnlock()
	if ok {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := s.backend.GetCredential(ctx, orgID, provider)
	return err == nil
}

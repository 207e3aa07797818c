package v1

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/middleware"
)

const (
	nonceSize       = 24
	fallbackKeyInfo = "session-service fallback v1"
)

// FallbackChannel seals a PendingToken into an opaque, tamper-evident cookie
// value and opens it again. Safe for concurrent use.
type FallbackChannel struct {
	key [32]byte
}

// NewFallbackChannel derives the sealing key from secret.
func NewFallbackChannel(secret string) (*FallbackChannel, error) {
	if secret == "" {
		return nil, errors.New("fallback secret is required")
	}
	f := &FallbackChannel{}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(fallbackKeyInfo))
	if _, err := io.ReadFull(r, f.key[:]); err != nil {
		return nil, fmt.Errorf("derive fallback key: %w", err)
	}
	return f, nil
}

// Emit serializes and seals p.
func (f *FallbackChannel) Emit(p domain.PendingToken) (string, error) {
	if p.AccessToken == "" {
		return "", errors.New("pending token has no access token")
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal pending token: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &f.key)

	middleware.FallbackCredentials.WithLabelValues("emitted").Inc()
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Recover opens a payload produced by Emit. Every failure is ErrMalformedFallback.
func (f *FallbackChannel) Recover(payload string) (*domain.PendingToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", ErrMalformedFallback)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("payload too short: %w", ErrMalformedFallback)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &f.key)
	if !ok {
		return nil, fmt.Errorf("open payload: %w", ErrMalformedFallback)
	}

	var p domain.PendingToken
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", ErrMalformedFallback)
	}
	if p.AccessToken == "" || p.ExpiresIn <= 0 {
		return nil, fmt.Errorf("incomplete payload: %w", ErrMalformedFallback)
	}
	return &p, nil
}

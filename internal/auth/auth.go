// Package auth validates bearer credentials presented as a session UID plus
// access token.
//
// Tokens live in memory only; the mock API is the sole issuer.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates the access token presented for a session UID.
type Validator interface {
	Validate(uid, token string) error
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(uid, token string) error

func (f FuncValidator) Validate(uid, token string) error {
	return f(uid, token)
}

// Tokens is an in-memory table of live access tokens keyed by UID.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[string]string)}
}

// Issue stores token as the only valid access token for uid.
func (t *Tokens) Issue(uid, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[uid] = token
}

func (t *Tokens) Revoke(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, uid)
}

// RevokeAll invalidates every access token while keeping UIDs known to the caller.
func (t *Tokens) RevokeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.tokens)
}

func (t *Tokens) Validate(uid, token string) error {
	t.mu.RLock()
	stored, ok := t.tokens[uid]
	t.mu.RUnlock()
	if !ok || stored == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// NewToken returns a random hex token.
func NewToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

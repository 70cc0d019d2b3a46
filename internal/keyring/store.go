package keyring

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/apisession/internal/observability"
)

const accountKeyPrefix = "apisession-account-"

var ErrAccountMismatch = errors.New("keyring: session data belongs to another account")

var accountEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// AccountKey returns the keyring key holding the session of account.
func AccountKey(account string) string {
	return accountKeyPrefix + strings.ToLower(accountEncoding.EncodeToString([]byte(account)))
}

// SessionStore persists session state around session mutations. It writes
// only when the state changed during the mutation and erases the account
// entry when the new state is empty.
type SessionStore struct {
	keyring Keyring

	mu       sync.Mutex
	acquired map[string][]byte
}

func NewSessionStore(kr Keyring) *SessionStore {
	return &SessionStore{keyring: kr, acquired: make(map[string][]byte)}
}

// Load returns the persisted state of account, or nil when none is stored.
func (s *SessionStore) Load(ctx context.Context, account string) (map[string]any, error) {
	raw, err := s.keyring.Get(ctx, AccountKey(account))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("keyring: decode session %s: %w", account, err)
	}
	return data, nil
}

func (s *SessionStore) AcquireLock(_ context.Context, account string, state map[string]any) error {
	if account == "" {
		return nil
	}
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired[account] = encoded
	return nil
}

func (s *SessionStore) ReleaseLock(ctx context.Context, account string, state map[string]any) error {
	if account == "" {
		return nil
	}
	if len(state) > 0 {
		if name, _ := state["AccountName"].(string); name != account {
			return fmt.Errorf("%w: %q", ErrAccountMismatch, account)
		}
	}
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	before, ok := s.acquired[account]
	delete(s.acquired, account)
	s.mu.Unlock()
	if ok && bytes.Equal(before, encoded) {
		return nil
	}

	logger := observability.Component("keyring")
	key := AccountKey(account)
	if len(state) == 0 {
		if err := s.keyring.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		logger.Debug().Str("account", account).Msg("keyring: session erased")
		return nil
	}
	if err := s.keyring.Set(ctx, key, encoded); err != nil {
		return err
	}
	logger.Debug().Str("account", account).Msg("keyring: session stored")
	return nil
}

// encodeState marshals state with sorted keys so equal states compare equal.
func encodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("keyring: encode session: %w", err)
	}
	return b, nil
}

// Close closes the underlying keyring.
func (s *SessionStore) Close() error {
	return s.keyring.Close()
}

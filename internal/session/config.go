package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/apisession/internal/capability"
	"github.com/danmuck/apisession/internal/config"
	"github.com/danmuck/apisession/internal/environment"
	"github.com/danmuck/apisession/internal/keyring"
	"github.com/danmuck/apisession/internal/srp"
	"github.com/danmuck/apisession/internal/transport"
)

// NewFromConfig builds a session from a client configuration, persisting it
// in the configured keyring. When account is set, its stored state is
// restored.
func NewFromConfig(ctx context.Context, cfg config.ClientConfig, account string, opts ...Option) (*Session, *keyring.SessionStore, error) {
	cfg.ApplyDefaults()
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, nil, err
	}

	base := []Option{}
	if cfg.AppVersion != "" {
		base = append(base, WithAppVersion(cfg.AppVersion))
	}
	if cfg.UserAgent != "" {
		base = append(base, WithUserAgent(cfg.UserAgent))
	}
	if cfg.Modulus.KeyFile != "" {
		armored, err := os.ReadFile(cfg.Modulus.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("modulus key: %w", err)
		}
		verifier, err := srp.NewModulusVerifier(string(armored), cfg.Modulus.Fingerprint)
		if err != nil {
			return nil, nil, err
		}
		base = append(base, WithModulusVerifier(verifier))
	}
	if cfg.Transport == transport.NameAuto {
		base = append(base, WithTransport(transport.SelectorFactory(cfg.Timeout())))
	} else {
		base = append(base, WithTransportName(cfg.Transport))
	}
	s := New(append(base, opts...)...)

	if cfg.EnvironmentsFile != "" {
		if err := environment.RegisterFile(s.registry, cfg.EnvironmentsFile); err != nil {
			return nil, nil, err
		}
	}
	if err := s.SetEnvironmentName(cfg.Environment); err != nil {
		return nil, nil, err
	}

	kr, err := keyring.Open(s.registry, cfg.Keyring.Backend, cfg.Keyring.Path)
	if err != nil {
		return nil, nil, err
	}
	store := keyring.NewSessionStore(kr)
	s.RegisterObserver(store)

	if account != "" {
		if err := loadAccount(ctx, s, store, account); err != nil {
			return nil, nil, errors.Join(err, store.Close())
		}
	}
	return s, store, nil
}

func loadAccount(ctx context.Context, s *Session, store *keyring.SessionStore, account string) error {
	data, err := store.Load(ctx, account)
	if err != nil {
		return err
	}
	if data == nil {
		return s.SetAccountName(account)
	}
	return s.Restore(ctx, data)
}

var _ PersistenceObserver = (*keyring.SessionStore)(nil)

// Registry returns the registry used for capability lookups.
func (s *Session) Registry() *capability.Registry {
	return s.registry
}

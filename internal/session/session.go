// Package session is the authenticated API client: it orders state
// mutations, coalesces token refreshes, classifies API failures and runs the
// SRP login handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/apisession/internal/capability"
	"github.com/danmuck/apisession/internal/environment"
	"github.com/danmuck/apisession/internal/observability"
	"github.com/danmuck/apisession/internal/srp"
	"github.com/danmuck/apisession/internal/transport"
	"github.com/rs/zerolog"
)

const (
	DefaultAppVersion = "Other"
	DefaultUserAgent  = "None"
)

var (
	ErrEnvironmentLocked = errors.New("session: environment cannot change on an established session")
	ErrInvalidArgument   = errors.New("session: invalid argument")
)

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Session.
type Option func(*Session)

func WithAppVersion(v string) Option {
	return func(s *Session) { s.appVersion = v }
}

func WithUserAgent(ua string) Option {
	return func(s *Session) { s.userAgent = ua }
}

// WithEnvironment pins the session to env instead of the registry default.
func WithEnvironment(env *environment.Environment) Option {
	return func(s *Session) { s.env = env }
}

// WithTransport uses f instead of the registry default transport.
func WithTransport(f transport.Factory) Option {
	return func(s *Session) { s.factory = &f }
}

// WithTransportName resolves the named transport from the registry.
func WithTransportName(name string) Option {
	return func(s *Session) { s.transportName = name }
}

func WithRegistry(reg *capability.Registry) Option {
	return func(s *Session) { s.registry = reg }
}

// WithModulusVerifier replaces the built-in modulus signing key.
func WithModulusVerifier(v *srp.ModulusVerifier) Option {
	return func(s *Session) { s.modulus = v }
}

func WithSleeper(fn Sleeper) Option {
	return func(s *Session) { s.sleep = fn }
}

func WithObserver(o PersistenceObserver) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.log = &logger }
}

// Session is safe for concurrent use. Plain requests run in parallel; state
// mutations (authenticate, refresh, 2FA, logout, lock, unlock, fork import)
// run one at a time in arrival order.
type Session struct {
	appVersion    string
	userAgent     string
	registry      *capability.Registry
	transportName string
	sleep         Sleeper
	log           *zerolog.Logger

	// mutation is held for a whole mutating sequence.
	mutation chan struct{}
	gate     *gate

	mu        sync.RWMutex
	state     State
	env       *environment.Environment
	factory   *transport.Factory
	transport transport.Transport
	modulus   *srp.ModulusVerifier
	observers []PersistenceObserver
}

// New creates an unauthenticated session.
func New(opts ...Option) *Session {
	s := &Session{
		appVersion: DefaultAppVersion,
		userAgent:  DefaultUserAgent,
		registry:   capability.Default(),
		sleep:      sleepContext,
		mutation:   make(chan struct{}, 1),
		gate:       newGate(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logger resolves the process logger on each call so sessions created before
// logging is configured still follow it.
func (s *Session) logger() *zerolog.Logger {
	if s.log != nil {
		return s.log
	}
	l := observability.Component("session")
	return &l
}

func (s *Session) AppVersion() string { return s.appVersion }
func (s *Session) UserAgent() string  { return s.userAgent }

// Credentials returns the UID and access token used to sign requests.
func (s *Session) Credentials() (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UID, s.state.AccessToken, s.state.Authenticated()
}

// Environment returns the session environment, resolving the registry
// default on first use. It is nil when no environment can be resolved.
func (s *Session) Environment() *environment.Environment {
	env, err := s.environment()
	if err != nil {
		s.logger().Error().Err(err).Msg("session: no environment")
		return nil
	}
	return env
}

func (s *Session) environment() (*environment.Environment, error) {
	s.mu.RLock()
	env := s.env
	s.mu.RUnlock()
	if env != nil {
		return env, nil
	}
	resolved, err := capability.Instantiate[*environment.Environment](s.registry, capability.Environment, "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		s.env = resolved
	}
	return s.env, nil
}

// SetEnvironment selects env. A nil env or the current one is a no-op;
// anything else fails once an environment is in use.
func (s *Session) SetEnvironment(env *environment.Environment) error {
	if env == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env.Equal(env) {
		return nil
	}
	if s.env != nil {
		return fmt.Errorf("%w: %s -> %s", ErrEnvironmentLocked, s.env.Name(), env.Name())
	}
	s.env = env
	return nil
}

// SetEnvironmentName selects a registered environment by name.
func (s *Session) SetEnvironmentName(name string) error {
	if name == "" {
		return nil
	}
	env, err := capability.Instantiate[*environment.Environment](s.registry, capability.Environment, name)
	if err != nil {
		return err
	}
	return s.SetEnvironment(env)
}

// RegisterObserver adds a persistence observer notified around mutations.
func (s *Session) RegisterObserver(o PersistenceObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// State returns a copy of the current authentication state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Authenticated()
}

func (s *Session) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UID
}

func (s *Session) AccountName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccountName
}

func (s *Session) Scopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.state.Scopes...)
}

func (s *Session) NeedsTwoFactor() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.NeedsTwoFactor()
}

// SetAccountName names an unauthenticated session, for example before
// ImportFork, so observers persist the adopted session under that account.
func (s *Session) SetAccountName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Authenticated() && s.state.AccountName != name {
		return fmt.Errorf("%w: session already belongs to %q", ErrInvalidArgument, s.state.AccountName)
	}
	s.state.AccountName = name
	return nil
}

// RefreshRevision counts refresh attempts.
func (s *Session) RefreshRevision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RefreshRevision
}

// Extra returns a caller value stored alongside the session.
func (s *Session) Extra(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.Extra[key]
	return v, ok
}

// SetExtra stores a caller value that is serialized with the session.
func (s *Session) SetExtra(key string, value any) error {
	for _, reserved := range reservedKeys {
		if key == reserved {
			return fmt.Errorf("%w: %s", ErrReservedKey, key)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Extra == nil {
		s.state.Extra = map[string]any{}
	}
	s.state.Extra[key] = value
	return nil
}

// Serialize returns the persisted form of the session, empty when not
// authenticated.
func (s *Session) Serialize() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serializeLocked()
}

func (s *Session) serializeLocked() map[string]any {
	name := ""
	if s.env != nil {
		name = s.env.Name()
	}
	return s.state.encode(name, lastUse{appVersion: s.appVersion, userAgent: s.userAgent})
}

// Restore replaces the session state with previously serialized data. The
// stored environment is resolved by name and must match any environment
// already selected. The transport is rebuilt on next use.
func (s *Session) Restore(ctx context.Context, data map[string]any) error {
	st, envName, meta, err := decodeState(maps.Clone(data))
	if err != nil {
		return err
	}
	var env *environment.Environment
	if envName != "" {
		env, err = capability.Instantiate[*environment.Environment](s.registry, capability.Environment, envName)
		if err != nil {
			return err
		}
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if env != nil {
		if s.env != nil && !s.env.Equal(env) {
			return fmt.Errorf("%w: %s -> %s", ErrEnvironmentLocked, s.env.Name(), env.Name())
		}
		s.env = env
	}
	if meta.appVersion != "" && s.appVersion == DefaultAppVersion {
		s.appVersion = meta.appVersion
	}
	if meta.userAgent != "" && s.userAgent == DefaultUserAgent {
		s.userAgent = meta.userAgent
	}
	s.state = st
	s.transport = nil
	return nil
}

func (s *Session) modulusVerifier() (*srp.ModulusVerifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modulus == nil {
		v, err := srp.DefaultModulusVerifier()
		if err != nil {
			return nil, err
		}
		s.modulus = v
	}
	return s.modulus, nil
}

// currentTransport builds the transport on first use.
func (s *Session) currentTransport() (transport.Transport, error) {
	if _, err := s.environment(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, factory := s.transport, s.factory
	s.mu.RUnlock()
	if t != nil {
		return t, nil
	}
	if factory == nil {
		f, err := capability.Instantiate[transport.Factory](s.registry, capability.Transport, s.transportName)
		if err != nil {
			return nil, err
		}
		factory = &f
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		s.factory = factory
		s.transport = factory.New(s)
		s.logger().Debug().Str("transport", factory.Name).Msg("session: transport created")
	}
	return s.transport, nil
}

// retryDelay honours a numeric Retry-After header, else waits 3 to 8 seconds.
func retryDelay(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 3*time.Second + time.Duration(rand.Float64()*float64(5*time.Second))
}

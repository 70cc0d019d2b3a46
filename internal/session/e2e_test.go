package session_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/capability"
	"github.com/danmuck/apisession/internal/config"
	"github.com/danmuck/apisession/internal/environment"
	"github.com/danmuck/apisession/internal/keyring"
	"github.com/danmuck/apisession/internal/session"
	"github.com/danmuck/apisession/internal/testutil/mockapi"
	"github.com/danmuck/apisession/internal/testutil/testlog"
	"github.com/danmuck/apisession/internal/transport"
)

const (
	username = "alice@example.com"
	password = "correct horse battery staple"
)

type harness struct {
	api *mockapi.Server
	url string
	reg *capability.Registry
	env *environment.Environment
}

func newHarness(t *testing.T, cfg mockapi.Config) *harness {
	t.Helper()
	if cfg.Username == "" {
		cfg.Username, cfg.Password = username, password
	}
	api, url := mockapi.Start(t, cfg)
	env, err := environment.New(environment.Spec{Name: "mock", BaseURL: url})
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	reg := freshRegistry(t)
	if err := environment.Register(reg, env, 50); err != nil {
		t.Fatalf("register environment: %v", err)
	}
	return &harness{api: api, url: url, reg: reg, env: env}
}

func freshRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry().WithOverrides(func() string { return "" })
	if err := transport.Register(reg); err != nil {
		t.Fatalf("register transports: %v", err)
	}
	if err := keyring.Register(reg); err != nil {
		t.Fatalf("register keyrings: %v", err)
	}
	return reg
}

func (h *harness) session(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()
	verifier, err := h.api.ModulusVerifier()
	if err != nil {
		t.Fatalf("modulus verifier: %v", err)
	}
	base := []session.Option{
		session.WithRegistry(h.reg),
		session.WithEnvironment(h.env),
		session.WithTransport(transport.HTTPFactory()),
		session.WithModulusVerifier(verifier),
		session.WithAppVersion("linux-vpn@4.0.0"),
	}
	return session.New(append(base, opts...)...)
}

func login(t *testing.T, s *session.Session) {
	t.Helper()
	ok, err := s.Authenticate(context.Background(), username, password, "")
	if !ok || err != nil {
		t.Fatalf("authenticate ok=%v err=%v", ok, err)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	s := h.session(t)

	ok, err := s.Authenticate(context.Background(), username, "wrong", "")
	if ok || err != nil {
		t.Fatalf("expected rejected login without error, got ok=%v err=%v", ok, err)
	}
	if s.Authenticated() {
		t.Fatalf("rejected login must leave the session unauthenticated")
	}
}

func TestAuthenticateAndRefreshOnExpiry(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	s := h.session(t)
	login(t, s)
	if s.AccountName() != username || !slices.Contains(s.Scopes(), "full") {
		t.Fatalf("unexpected state after login: %+v", s.State())
	}

	ctx := context.Background()
	if _, err := s.Get(ctx, "/users"); err != nil {
		t.Fatalf("get users: %v", err)
	}

	h.api.ExpireAccessTokens()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, "/users")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("request after expiry: %v", err)
		}
	}
	if got := h.api.Calls(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected one refresh, got=%d", got)
	}
}

func TestLockUnlock(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	s := h.session(t)
	login(t, s)
	ctx := context.Background()

	if ok, err := s.Lock(ctx); !ok || err != nil {
		t.Fatalf("lock ok=%v err=%v", ok, err)
	}
	if slices.Contains(s.Scopes(), "password") || slices.Contains(s.Scopes(), "locked") {
		t.Fatalf("lock kept scopes: %v", s.Scopes())
	}
	if ok, err := s.Unlock(ctx, "wrong"); ok || err != nil {
		t.Fatalf("unlock with wrong password ok=%v err=%v", ok, err)
	}
	if ok, err := s.Unlock(ctx, password); !ok || err != nil {
		t.Fatalf("unlock ok=%v err=%v", ok, err)
	}
	if !slices.Contains(s.Scopes(), "password") || !slices.Contains(s.Scopes(), "locked") {
		t.Fatalf("unlock did not restore scopes: %v", s.Scopes())
	}
}

func TestForkIntoChildSession(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	parent := h.session(t)
	login(t, parent)
	ctx := context.Background()

	selector, err := parent.Fork(ctx, session.Fork{ChildClientID: "linux-vpn", Payload: "hello"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	child := h.session(t)
	payload, err := child.ImportFork(ctx, selector)
	if err != nil || payload != "hello" {
		t.Fatalf("import fork payload=%q err=%v", payload, err)
	}
	if !child.Authenticated() || child.UID() == parent.UID() {
		t.Fatalf("child session not distinct: parent=%s child=%s", parent.UID(), child.UID())
	}
	if _, err := child.Get(ctx, "/users"); err != nil {
		t.Fatalf("child request: %v", err)
	}
	if _, err := child.ImportFork(ctx, selector); !errors.Is(err, apierr.ErrAPI) {
		t.Fatalf("selector must be single use, got %v", err)
	}
}

func TestLogoutEndsServerSession(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	s := h.session(t)
	login(t, s)

	if ok, err := s.Logout(context.Background()); !ok || err != nil {
		t.Fatalf("logout ok=%v err=%v", ok, err)
	}
	if s.Authenticated() || h.api.Sessions() != 0 {
		t.Fatalf("logout left authenticated=%v sessions=%d", s.Authenticated(), h.api.Sessions())
	}
	if _, err := s.Get(context.Background(), "/users"); !errors.Is(err, apierr.ErrAuthenticationNeeded) {
		t.Fatalf("expected authentication needed, got %v", err)
	}
}

func TestTwoFactorFlow(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{TwoFactorCode: "123456"})
	s := h.session(t)
	login(t, s)
	ctx := context.Background()

	if !s.NeedsTwoFactor() {
		t.Fatalf("expected a pending 2fa challenge, scopes=%v", s.Scopes())
	}
	if _, err := s.Get(ctx, "/users"); !errors.Is(err, apierr.ErrTwoFactorNeeded) {
		t.Fatalf("expected 2fa needed, got %v", err)
	}
	if ok, err := s.ProvideTwoFactor(ctx, "123456"); !ok || err != nil {
		t.Fatalf("2fa ok=%v err=%v", ok, err)
	}
	if _, err := s.Get(ctx, "/users"); err != nil {
		t.Fatalf("request after 2fa: %v", err)
	}
}

func TestInjectedRateLimitIsRetried(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	var slept int
	s := h.session(t, session.WithSleeper(func(context.Context, time.Duration) error {
		slept++
		return nil
	}))
	login(t, s)
	h.api.Fail(http.MethodGet, "/users", mockapi.Failure{Status: http.StatusTooManyRequests, Code: 2028, Headers: map[string]string{"Retry-After": "1"}})

	if _, err := s.Get(context.Background(), "/users"); err != nil {
		t.Fatalf("request after rate limit: %v", err)
	}
	if slept != 1 || h.api.Calls(http.MethodGet, "/users") != 2 {
		t.Fatalf("unexpected slept=%d calls=%d", slept, h.api.Calls(http.MethodGet, "/users"))
	}
}

func TestAutoTransportSelectsDirectPath(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	s := h.session(t, session.WithTransport(transport.SelectorFactory(transport.DefaultTimeout)))
	login(t, s)
	if _, err := s.Get(context.Background(), "/users"); err != nil {
		t.Fatalf("request over selected transport: %v", err)
	}
	if h.api.Calls(http.MethodGet, transport.PingEndpoint) == 0 {
		t.Fatalf("selector did not probe the direct path")
	}
}

func TestNewFromConfigPersistsAndRestores(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	dir := t.TempDir()
	envFile := filepath.Join(dir, "environments.toml")
	if err := environment.WriteFile(envFile, []environment.Entry{{Env: h.env, Priority: 50}}, false); err != nil {
		t.Fatalf("write environments: %v", err)
	}
	armored, fingerprint := h.api.ModulusKey()
	keyFile := filepath.Join(dir, "modulus.asc")
	if err := os.WriteFile(keyFile, []byte(armored), 0o600); err != nil {
		t.Fatalf("write modulus key: %v", err)
	}
	cfg := config.ClientConfig{
		AppVersion:       "linux-vpn@4.0.0",
		Environment:      "mock",
		EnvironmentsFile: envFile,
		Transport:        transport.NameHTTP,
		Keyring:          config.KeyringConfig{Backend: "sqlite", Path: filepath.Join(dir, "keyring.db")},
		Modulus:          config.ModulusConfig{KeyFile: keyFile, Fingerprint: fingerprint},
	}
	ctx := context.Background()

	s, store, err := session.NewFromConfig(ctx, cfg, "", session.WithRegistry(freshRegistry(t)))
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	login(t, s)
	uid := s.UID()
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	restored, store, err := session.NewFromConfig(ctx, cfg, username, session.WithRegistry(freshRegistry(t)))
	if err != nil {
		t.Fatalf("restore from config: %v", err)
	}
	if restored.UID() != uid || restored.Environment().Name() != "mock" {
		t.Fatalf("unexpected restored uid=%q env=%v", restored.UID(), restored.Environment())
	}
	if _, err := restored.Get(ctx, "/users"); err != nil {
		t.Fatalf("restored request: %v", err)
	}

	if ok, err := restored.Logout(ctx); !ok || err != nil {
		t.Fatalf("logout ok=%v err=%v", ok, err)
	}
	data, err := store.Load(ctx, username)
	if err != nil || data != nil {
		t.Fatalf("logout must erase the stored session, data=%v err=%v", data, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
}

func TestPinnedTLSEnvironment(t *testing.T) {
	testlog.Start(t)
	api, endpoint := mockapi.StartTLS(t, mockapi.Config{Username: username, Password: password})
	verifier, err := api.ModulusVerifier()
	if err != nil {
		t.Fatalf("modulus verifier: %v", err)
	}
	ctx := context.Background()

	newSession := func(spec environment.Spec, opts ...transport.Option) *session.Session {
		env, err := environment.New(spec)
		if err != nil {
			t.Fatalf("environment: %v", err)
		}
		return session.New(
			session.WithRegistry(freshRegistry(t)),
			session.WithEnvironment(env),
			session.WithTransport(transport.HTTPFactory(opts...)),
			session.WithModulusVerifier(verifier),
		)
	}

	pinned := newSession(environment.Spec{Name: "pinned", BaseURL: endpoint.URL, PinsPrimary: []string{endpoint.Pin}})
	login(t, pinned)

	trusted := newSession(environment.Spec{Name: "trusted", BaseURL: endpoint.URL}, transport.WithRootCAs(endpoint.Roots))
	login(t, trusted)

	wrongPin := newSession(environment.Spec{
		Name:        "wrong-pin",
		BaseURL:     endpoint.URL,
		PinsPrimary: []string{"drtmcR2kFkM8qJClsuWgUzxgBkePfRCkRpqUesyDmeE="},
	})
	if _, err := wrongPin.Authenticate(ctx, username, password, ""); !errors.Is(err, apierr.ErrPinningFailed) {
		t.Fatalf("expected pinning failure, got %v", err)
	}

	untrusted := newSession(environment.Spec{Name: "untrusted", BaseURL: endpoint.URL})
	if _, err := untrusted.Get(ctx, transport.PingEndpoint); !errors.Is(err, apierr.ErrNotReachable) {
		t.Fatalf("expected chain validation failure, got %v", err)
	}
}

func TestNewFromConfigTwiceWithDefaultRegistry(t *testing.T) {
	testlog.Start(t)
	env, err := environment.New(environment.Spec{Name: "reopen", BaseURL: "https://reopen.example.test"})
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	envFile := filepath.Join(t.TempDir(), "environments.toml")
	if err := environment.WriteFile(envFile, []environment.Entry{{Env: env, Priority: 5}}, false); err != nil {
		t.Fatalf("write environments: %v", err)
	}
	cfg := config.ClientConfig{
		Environment:      "reopen",
		EnvironmentsFile: envFile,
		Transport:        transport.NameHTTP,
		Keyring:          config.KeyringConfig{Backend: keyring.BackendMemory},
	}
	ctx := context.Background()

	for i := range 2 {
		s, store, err := session.NewFromConfig(ctx, cfg, username)
		if err != nil {
			t.Fatalf("new from config #%d: %v", i+1, err)
		}
		if s.Environment().Name() != "reopen" || s.AccountName() != username {
			t.Fatalf("unexpected session #%d env=%v account=%q", i+1, s.Environment(), s.AccountName())
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	}
}

type closeTracker struct {
	*keyring.Memory
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestNewFromConfigClosesKeyringOnLoadFailure(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, mockapi.Config{})
	tracker := &closeTracker{Memory: keyring.NewMemory()}
	if err := tracker.Set(context.Background(), keyring.AccountKey(username), []byte(`[1]`)); err != nil {
		t.Fatalf("seed keyring: %v", err)
	}
	reg := capability.NewRegistry().WithOverrides(func() string { return "" })
	if err := transport.Register(reg); err != nil {
		t.Fatalf("register transports: %v", err)
	}
	if err := environment.Register(reg, h.env, 50); err != nil {
		t.Fatalf("register environment: %v", err)
	}
	err := reg.Register(capability.Keyring, capability.Backend{
		Name:     keyring.BackendMemory,
		Priority: 1,
		New: func() (any, error) {
			return keyring.Opener(func(string) (keyring.Keyring, error) { return tracker, nil }), nil
		},
	})
	if err != nil {
		t.Fatalf("register keyring: %v", err)
	}
	cfg := config.ClientConfig{
		Environment: "mock",
		Transport:   transport.NameHTTP,
		Keyring:     config.KeyringConfig{Backend: keyring.BackendMemory},
	}

	if _, _, err := session.NewFromConfig(context.Background(), cfg, username, session.WithRegistry(reg)); err == nil {
		t.Fatalf("expected undecodable stored session to fail")
	}
	if !tracker.closed {
		t.Fatalf("keyring must be closed when loading the account fails")
	}
}

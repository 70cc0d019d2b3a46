package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/capability"
	"github.com/danmuck/apisession/internal/environment"
	"github.com/danmuck/apisession/internal/transport"
)

type result struct {
	resp *transport.Response
	err  error
}

// fakeAPI answers calls from per-endpoint scripts, then from fallback.
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	requests []transport.Request
	scripts  map[string][]result
	fallback func(client transport.Client, req transport.Request) (*transport.Response, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:   map[string]int{},
		scripts: map[string][]result{},
		fallback: func(transport.Client, transport.Request) (*transport.Response, error) {
			return okResp(nil), nil
		},
	}
}

func (f *fakeAPI) script(endpoint string, results ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[endpoint] = append(f.scripts[endpoint], results...)
}

func (f *fakeAPI) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAPI) factory() transport.Factory {
	return transport.Factory{Name: "fake", New: func(c transport.Client) transport.Transport {
		return &fakeTransport{api: f, client: c}
	}}
}

type fakeTransport struct {
	api    *fakeAPI
	client transport.Client
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	t.api.mu.Lock()
	t.api.calls[req.Endpoint]++
	t.api.requests = append(t.api.requests, req)
	queue := t.api.scripts[req.Endpoint]
	if len(queue) > 0 {
		t.api.scripts[req.Endpoint] = queue[1:]
		t.api.mu.Unlock()
		return queue[0].resp, queue[0].err
	}
	fallback := t.api.fallback
	t.api.mu.Unlock()
	return fallback(t.client, req)
}

func okResp(fields map[string]any) *transport.Response {
	body := map[string]any{"Code": float64(apierr.CodeSuccess)}
	for k, v := range fields {
		body[k] = v
	}
	return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, JSON: body}
}

func okResult(fields map[string]any) result {
	return result{resp: okResp(fields)}
}

func apiFailure(status, code int, headers map[string]string) result {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return result{err: apierr.New(status, h, map[string]any{"Code": float64(code), "Error": "scripted"})}
}

// recordingSleeper returns instantly and remembers requested delays.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

const testEnvName = "test"

func testRegistry(t *testing.T) (*capability.Registry, *environment.Environment) {
	t.Helper()
	env, err := environment.New(environment.Spec{Name: testEnvName, BaseURL: "https://api.test"})
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	reg := capability.NewRegistry().WithOverrides(func() string { return "" })
	if err := environment.Register(reg, env, 1); err != nil {
		t.Fatalf("register environment: %v", err)
	}
	return reg, env
}

func newTestSession(t *testing.T, api *fakeAPI, opts ...Option) (*Session, *recordingSleeper) {
	t.Helper()
	reg, env := testRegistry(t)
	sleeper := &recordingSleeper{}
	base := []Option{
		WithRegistry(reg),
		WithEnvironment(env),
		WithTransport(api.factory()),
		WithSleeper(sleeper.sleep),
		WithAppVersion("linux-vpn@4.0.0"),
		WithUserAgent("apisession-test/1.0"),
	}
	return New(append(base, opts...)...), sleeper
}

func authenticatedState() map[string]any {
	return map[string]any{
		KeyUID:          "uid-1",
		KeyAccessToken:  "old-access",
		KeyRefreshToken: "refresh-1",
		KeyScopes:       []any{"full", "self"},
		KeyEnvironment:  testEnvName,
		KeyAccountName:  "alice",
		KeyLastUseData: map[string]any{
			"2FA":             nil,
			"appVersion":      "linux-vpn@4.0.0",
			"userAgent":       "apisession-test/1.0",
			"refreshRevision": float64(0),
		},
	}
}

func restoreAuthenticated(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Restore(context.Background(), authenticatedState()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !s.Authenticated() {
		t.Fatalf("restored session is not authenticated")
	}
}

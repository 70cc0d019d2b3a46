package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/testutil/testlog"
	"github.com/danmuck/apisession/internal/transport"
)

func TestConcurrentUnauthorizedRequestsRefreshOnce(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	api.fallback = func(client transport.Client, req transport.Request) (*transport.Response, error) {
		if req.Endpoint == endpointRefresh {
			time.Sleep(20 * time.Millisecond)
			return okResp(map[string]any{
				"AccessToken":  "new-access",
				"RefreshToken": "refresh-2",
				"Scopes":       []any{"full"},
			}), nil
		}
		if _, token, _ := client.Credentials(); token != "new-access" {
			return nil, apierr.New(http.StatusUnauthorized, nil, map[string]any{"Code": float64(401)})
		}
		return okResp(map[string]any{"Value": req.Endpoint}), nil
	}
	s, _ := newTestSession(t, api)
	restoreAuthenticated(t, s)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Get(context.Background(), "/users")
			if err == nil && resp["Value"] != "/users" {
				err = errors.New("unexpected body")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := api.count(endpointRefresh); got != 1 {
		t.Fatalf("expected exactly one refresh, got=%d", got)
	}
	if got := s.RefreshRevision(); got != 1 {
		t.Fatalf("unexpected refresh revision=%d", got)
	}
	if st := s.State(); st.AccessToken != "new-access" || st.RefreshToken != "refresh-2" {
		t.Fatalf("tokens not adopted: %+v", st)
	}
}

func TestRequestClassification(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		scopes  []any
		results []result
		want    error
		calls   int
	}{
		{name: "403 with pending 2fa", scopes: []any{"twofactor"}, results: []result{apiFailure(403, 403, nil)}, want: apierr.ErrTwoFactorNeeded, calls: 1},
		{name: "403 missing scope", results: []result{apiFailure(403, 403, nil)}, want: apierr.ErrMissingScope, calls: 1},
		{name: "422 human verification", results: []result{apiFailure(422, apierr.CodeHumanVerification, nil)}, want: apierr.ErrHumanVerificationNeeded, calls: 1},
		{name: "12087 on any status", results: []result{apiFailure(400, apierr.CodeHumanVerificationAlone, nil)}, want: apierr.ErrHumanVerificationNeeded, calls: 1},
		{name: "9001 outside 422", results: []result{apiFailure(400, apierr.CodeHumanVerification, nil)}, want: apierr.ErrAPI, calls: 1},
		{name: "other error is not retried", results: []result{apiFailure(500, 2000, nil)}, want: apierr.ErrAPI, calls: 1},
		{name: "502 exhausts attempts", results: []result{apiFailure(502, 0, nil), apiFailure(502, 0, nil), apiFailure(502, 0, nil)}, want: apierr.ErrAPI, calls: 3},
		{name: "408 then success", results: []result{apiFailure(408, 0, nil), okResult(nil)}, calls: 2},
		{name: "transport errors pass through", results: []result{{err: apierr.ErrNotReachable}}, want: apierr.ErrNotReachable, calls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			api.script("/x", tc.results...)
			s, _ := newTestSession(t, api)
			state := authenticatedState()
			if tc.scopes != nil {
				state[KeyScopes] = tc.scopes
			}
			if err := s.Restore(context.Background(), state); err != nil {
				t.Fatalf("restore: %v", err)
			}

			_, err := s.Get(context.Background(), "/x")
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := api.count("/x"); got != tc.calls {
				t.Fatalf("unexpected calls=%d want=%d", got, tc.calls)
			}
		})
	}
}

func TestHumanVerificationDetails(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	api.script("/x", result{err: apierr.New(422, nil, map[string]any{
		"Code": float64(apierr.CodeHumanVerification),
		"Details": map[string]any{
			"HumanVerificationToken":   "hv-token",
			"HumanVerificationMethods": []any{"captcha", "email"},
		},
	})})
	s, _ := newTestSession(t, api)

	_, err := s.Get(context.Background(), "/x")
	apiErr, ok := apierr.AsAPIError(err)
	if !ok || !errors.Is(err, apierr.ErrHumanVerificationNeeded) {
		t.Fatalf("expected human verification error, got %v", err)
	}
	if apiErr.HumanVerificationToken() != "hv-token" || len(apiErr.HumanVerificationMethods()) != 2 {
		t.Fatalf("unexpected details token=%q methods=%v", apiErr.HumanVerificationToken(), apiErr.HumanVerificationMethods())
	}
}

func TestRateLimitBackoff(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	api.script("/x",
		apiFailure(429, 2028, map[string]string{"Retry-After": "7"}),
		apiFailure(503, 503, nil),
		okResult(nil),
	)
	s, sleeper := newTestSession(t, api)

	if _, err := s.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("expected success after backoff, got %v", err)
	}
	delays := sleeper.recorded()
	if len(delays) != 2 {
		t.Fatalf("unexpected delays=%v", delays)
	}
	if delays[0] != 7*time.Second {
		t.Fatalf("Retry-After not honoured: %v", delays[0])
	}
	if delays[1] < 3*time.Second || delays[1] > 8*time.Second {
		t.Fatalf("jittered delay out of range: %v", delays[1])
	}
}

func TestUnauthorizedWithRejectedRefresh(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	api.script("/x", apiFailure(401, 401, nil))
	api.script(endpointRefresh, apiFailure(422, 10013, nil))
	s, _ := newTestSession(t, api)
	restoreAuthenticated(t, s)

	_, err := s.Get(context.Background(), "/x")
	if !errors.Is(err, apierr.ErrAuthenticationNeeded) {
		t.Fatalf("expected authentication needed, got %v", err)
	}
	if s.Authenticated() {
		t.Fatalf("rejected refresh must clear the session")
	}
	if len(s.Serialize()) != 0 {
		t.Fatalf("cleared session must serialize empty")
	}
}

func TestRefreshOutcomes(t *testing.T) {
	testlog.Start(t)
	tokens := okResult(map[string]any{"AccessToken": "a2", "RefreshToken": "r2", "Scopes": []any{"full"}})
	cases := []struct {
		name          string
		results       []result
		want          bool
		authenticated bool
		calls         int
		sleeps        int
	}{
		{name: "conflict retried", results: []result{apiFailure(409, 409, nil), tokens}, want: true, authenticated: true, calls: 2},
		{name: "rate limited retried", results: []result{apiFailure(503, 503, nil), tokens}, want: true, authenticated: true, calls: 2, sleeps: 1},
		{name: "rate limited exhausted", results: []result{apiFailure(429, 0, nil), apiFailure(429, 0, nil), apiFailure(429, 0, nil)}, want: false, authenticated: true, calls: 3, sleeps: 3},
		{name: "bad request clears", results: []result{apiFailure(400, 2000, nil)}, want: false, authenticated: false, calls: 1},
		{name: "unexpected keeps session", results: []result{apiFailure(500, 2000, nil)}, want: false, authenticated: true, calls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			api.script(endpointRefresh, tc.results...)
			s, sleeper := newTestSession(t, api)
			restoreAuthenticated(t, s)

			got, err := s.Refresh(context.Background())
			if err != nil {
				t.Fatalf("refresh must not fail with api errors: %v", err)
			}
			if got != tc.want || s.Authenticated() != tc.authenticated {
				t.Fatalf("unexpected result=%v authenticated=%v", got, s.Authenticated())
			}
			if api.count(endpointRefresh) != tc.calls || len(sleeper.recorded()) != tc.sleeps {
				t.Fatalf("unexpected calls=%d sleeps=%d", api.count(endpointRefresh), len(sleeper.recorded()))
			}
			if s.RefreshRevision() != 1 {
				t.Fatalf("refresh must bump the revision once, got=%d", s.RefreshRevision())
			}
		})
	}
}

func TestRefreshBody(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	s, _ := newTestSession(t, api)
	restoreAuthenticated(t, s)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	body, _ := api.requests[0].JSON.(map[string]any)
	want := map[string]any{
		"ResponseType": "token",
		"GrantType":    "refresh_token",
		"RefreshToken": "refresh-1",
		"RedirectURI":  "http://protonmail.ch",
	}
	for k, v := range want {
		if body[k] != v {
			t.Fatalf("unexpected %s=%v", k, body[k])
		}
	}
}

func TestRefreshWithoutSessionSkipsNetwork(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	s, _ := newTestSession(t, api)
	ok, err := s.Refresh(context.Background())
	if ok || err != nil {
		t.Fatalf("unexpected result=%v err=%v", ok, err)
	}
	if api.total() != 0 {
		t.Fatalf("unexpected network calls=%d", api.total())
	}
}

func TestRequestsWaitForMutation(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	release := make(chan struct{})
	entered := make(chan struct{})
	api.fallback = func(_ transport.Client, req transport.Request) (*transport.Response, error) {
		if req.Endpoint == endpointRefresh {
			close(entered)
			<-release
			return okResp(map[string]any{"AccessToken": "a2", "RefreshToken": "r2"}), nil
		}
		return okResp(nil), nil
	}
	s, _ := newTestSession(t, api)
	restoreAuthenticated(t, s)

	refreshed := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		refreshed <- err
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "/users")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("request ran during a mutation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if api.count("/users") != 0 {
		t.Fatalf("request reached the transport during a mutation")
	}

	close(release)
	if err := <-refreshed; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("request after mutation: %v", err)
	}
}

func TestRequestHonoursContextWhileGated(t *testing.T) {
	testlog.Start(t)
	api := newFakeAPI()
	s, _ := newTestSession(t, api)
	if err := s.lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer s.unlock(context.Background(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Get(ctx, "/users"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

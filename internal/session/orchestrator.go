package session

import (
	"context"
	"net/http"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/observability"
	"github.com/danmuck/apisession/internal/transport"
)

const maxAttempts = 3

const (
	endpointRefresh = "/auth/refresh"
	refreshRedirect = "http://protonmail.ch"
)

// Do places an API call and returns the decoded JSON envelope.
func (s *Session) Do(ctx context.Context, req transport.Request) (map[string]any, error) {
	resp, err := s.DoRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.JSON, nil
}

// DoRaw is Do returning status and headers. JSON is nil for 304 replies.
func (s *Session) DoRaw(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return s.do(ctx, req, false)
}

// Get is Do for a GET without parameters.
func (s *Session) Get(ctx context.Context, endpoint string) (map[string]any, error) {
	return s.Do(ctx, transport.Request{Endpoint: endpoint})
}

// Post is Do with a JSON body.
func (s *Session) Post(ctx context.Context, endpoint string, body any) (map[string]any, error) {
	return s.Do(ctx, transport.Request{Endpoint: endpoint, JSON: body})
}

// do retries req up to maxAttempts times and classifies API errors. held is
// true when the caller already owns the mutation slot.
func (s *Session) do(ctx context.Context, req transport.Request, held bool) (*transport.Response, error) {
	var last error
	for range maxAttempts {
		revision := s.RefreshRevision()
		resp, err := s.send(ctx, req, held)
		if err == nil {
			return resp, nil
		}
		apiErr, ok := apierr.AsAPIError(err)
		if !ok {
			return nil, err
		}
		last = err

		switch {
		case apiErr.HTTPStatus == http.StatusForbidden:
			if s.NeedsTwoFactor() {
				return nil, apiErr.WithKind(apierr.ErrTwoFactorNeeded)
			}
			return nil, apiErr.WithKind(apierr.ErrMissingScope)
		case apiErr.HTTPStatus == http.StatusUnauthorized:
			refreshed, rerr := s.refresh(ctx, &revision, held)
			if rerr != nil {
				return nil, rerr
			}
			if refreshed {
				continue
			}
			return nil, apiErr.WithKind(apierr.ErrAuthenticationNeeded)
		case apiErr.HTTPStatus == http.StatusUnprocessableEntity && apiErr.Code() == apierr.CodeHumanVerification,
			apiErr.Code() == apierr.CodeHumanVerificationAlone:
			return nil, apiErr.WithKind(apierr.ErrHumanVerificationNeeded)
		case apiErr.HTTPStatus == http.StatusRequestTimeout, apiErr.HTTPStatus == http.StatusBadGateway:
			continue
		case apiErr.HTTPStatus == http.StatusTooManyRequests, apiErr.HTTPStatus == http.StatusServiceUnavailable:
			if err := s.backoff(ctx, apiErr); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, last
}

// send places one call without retries. Unless held, it first waits for any
// in-flight mutation.
func (s *Session) send(ctx context.Context, req transport.Request, held bool) (*transport.Response, error) {
	t, err := s.currentTransport()
	if err != nil {
		return nil, err
	}
	if !held {
		if err := s.gate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.Do(ctx, req)
}

func (s *Session) backoff(ctx context.Context, apiErr *apierr.Error) error {
	d := retryDelay(apiErr.Headers)
	s.logger().Debug().Int("status", apiErr.HTTPStatus).Dur("delay", d).Msg("session: backing off")
	return s.sleep(ctx, d)
}

// Refresh renews the access token. It reports false without an error when
// the refresh token was rejected and a new login is required.
func (s *Session) Refresh(ctx context.Context) (bool, error) {
	return s.refresh(ctx, nil, false)
}

// refresh performs at most one network refresh per revision. When onlyAt is
// set and the live revision moved past it, another caller already refreshed
// and the call reports success once that mutation is done.
func (s *Session) refresh(ctx context.Context, onlyAt *int, held bool) (bool, error) {
	if !held {
		if err := s.acquire(ctx); err != nil {
			return false, err
		}
		if onlyAt != nil && *onlyAt != s.RefreshRevision() {
			s.release()
			observability.RecordRefresh("coalesced")
			return true, nil
		}
		if err := s.begin(ctx); err != nil {
			return false, err
		}
		defer s.unlock(ctx, "")
	} else if onlyAt != nil && *onlyAt != s.RefreshRevision() {
		observability.RecordRefresh("coalesced")
		return true, nil
	}

	s.mu.Lock()
	s.state.RefreshRevision++
	refreshToken := s.state.RefreshToken
	s.mu.Unlock()
	if refreshToken == "" {
		observability.RecordRefresh("unauthenticated")
		return false, nil
	}

	req := transport.Request{
		Endpoint: endpointRefresh,
		JSON: map[string]any{
			"ResponseType": "token",
			"GrantType":    "refresh_token",
			"RefreshToken": refreshToken,
			"RedirectURI":  refreshRedirect,
		},
	}
	for range maxAttempts {
		resp, err := s.send(ctx, req, true)
		if err == nil {
			s.mu.Lock()
			s.state.AccessToken, _ = resp.JSON["AccessToken"].(string)
			s.state.RefreshToken, _ = resp.JSON["RefreshToken"].(string)
			s.state.Scopes = apierr.StringSlice(resp.JSON["Scopes"])
			s.mu.Unlock()
			observability.RecordRefresh("success")
			s.logger().Debug().Str("account", s.AccountName()).Msg("session: tokens refreshed")
			return true, nil
		}
		apiErr, ok := apierr.AsAPIError(err)
		if !ok {
			observability.RecordRefresh("error")
			return false, err
		}
		switch apiErr.HTTPStatus {
		case http.StatusConflict:
			continue
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			if err := s.backoff(ctx, apiErr); err != nil {
				return false, err
			}
			continue
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			s.clearLocal()
			observability.RecordRefresh("rejected")
			s.logger().Info().Int("status", apiErr.HTTPStatus).Msg("session: refresh token rejected, login required")
			return false, nil
		}
		observability.RecordRefresh("failed")
		s.logger().Warn().Err(err).Msg("session: refresh failed")
		return false, nil
	}
	observability.RecordRefresh("exhausted")
	return false, nil
}

func (s *Session) clearLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.clear()
}

package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/srp"
	"github.com/danmuck/apisession/internal/transport"
)

const (
	endpointAuth       = "/auth"
	endpointAuthInfo   = "/auth/info"
	endpointTwoFactor  = "/auth/2fa"
	endpointScopes     = "/auth/scopes"
	endpointForks      = "/auth/v4/sessions/forks"
	endpointUserLock   = "/users/lock"
	endpointUserUnlock = "/users/unlock"
	endpointUserCode   = "/users/code"
)

// handshake is one SRP exchange started from an /auth/info reply.
type handshake struct {
	client  *srp.Client
	payload map[string]any
}

// startHandshake fetches auth info for username and derives the client proof.
func (s *Session) startHandshake(ctx context.Context, username, password, clientSecret string) (*handshake, error) {
	body := map[string]any{"Username": username}
	if clientSecret != "" {
		body["ClientSecret"] = clientSecret
	}
	info, err := s.send(ctx, transport.Request{Endpoint: endpointAuthInfo, JSON: body}, true)
	if err != nil {
		return nil, err
	}

	verifier, err := s.modulusVerifier()
	if err != nil {
		return nil, err
	}
	signed, _ := info.JSON["Modulus"].(string)
	modulus, err := verifier.Verify(signed)
	if err != nil {
		return nil, err
	}
	serverChallenge, err := base64Field(info.JSON, "ServerEphemeral")
	if err != nil {
		return nil, err
	}
	salt, err := base64Field(info.JSON, "Salt")
	if err != nil {
		return nil, err
	}

	client, err := srp.NewClient(password, modulus)
	if err != nil {
		return nil, err
	}
	proof, err := client.ProcessChallenge(salt, serverChallenge, apierr.IntField(info.JSON, "Version"))
	if err != nil {
		return nil, err
	}
	srpSession, _ := info.JSON["SRPSession"].(string)
	return &handshake{
		client: client,
		payload: map[string]any{
			"ClientEphemeral": base64.StdEncoding.EncodeToString(client.Challenge()),
			"ClientProof":     base64.StdEncoding.EncodeToString(proof),
			"SRPSession":      srpSession,
		},
	}, nil
}

// verify checks the server proof of a completed exchange.
func (h *handshake) verify(reply map[string]any) (bool, error) {
	raw, ok := reply["ServerProof"].(string)
	if !ok {
		return false, nil
	}
	proof, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || !h.client.VerifySession(proof) {
		return false, fmt.Errorf("%w: invalid server proof", apierr.ErrCrypto)
	}
	return true, nil
}

// Authenticate logs in with the SRP protocol. Any previous session is logged
// out first. Wrong credentials report false without an error.
func (s *Session) Authenticate(ctx context.Context, username, password, clientSecret string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	previous := s.AccountName()
	defer func() { s.unlock(ctx, previous) }()

	if _, err := s.logoutLocked(ctx); err != nil {
		return false, err
	}

	h, err := s.startHandshake(ctx, username, password, clientSecret)
	if err != nil {
		return false, err
	}
	h.payload["Username"] = username
	if clientSecret != "" {
		h.payload["ClientSecret"] = clientSecret
	}
	resp, err := s.send(ctx, transport.Request{Endpoint: endpointAuth, JSON: h.payload}, true)
	if err != nil {
		if apiErr, ok := apierr.AsAPIError(err); ok && apiErr.Code() == apierr.CodeWrongCredentials {
			return false, nil
		}
		return false, err
	}
	if ok, err := h.verify(resp.JSON); !ok || err != nil {
		return false, err
	}

	uid, _ := resp.JSON["UID"].(string)
	access, _ := resp.JSON["AccessToken"].(string)
	refresh, _ := resp.JSON["RefreshToken"].(string)
	s.mu.Lock()
	s.state.UID = uid
	s.state.AccessToken = access
	s.state.RefreshToken = refresh
	s.state.Scopes = apierr.StringSlice(resp.JSON["Scopes"])
	s.state.AccountName = username
	s.state.TwoFactor = resp.JSON["2FA"]
	s.state.Extra = nil
	s.mu.Unlock()
	s.logger().Info().Str("account", username).Bool("needs_2fa", s.NeedsTwoFactor()).Msg("session: authenticated")
	return true, nil
}

// ProvideTwoFactor submits a 2FA code. A jailed account (wrong code too many
// times) clears the session and fails with ErrAuthenticationNeeded.
func (s *Session) ProvideTwoFactor(ctx context.Context, code string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock(ctx, "")

	resp, err := s.send(ctx, transport.Request{
		Endpoint: endpointTwoFactor,
		JSON:     map[string]any{"TwoFactorCode": code},
	}, true)
	if err != nil {
		apiErr, ok := apierr.AsAPIError(err)
		switch {
		case ok && apiErr.Code() == apierr.CodeWrongCredentials:
			s.clearLocal()
			return false, apiErr.WithKind(apierr.ErrAuthenticationNeeded)
		case ok && apiErr.HTTPStatus == http.StatusUnauthorized:
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Scopes = apierr.StringSlice(resp.JSON["Scopes"])
	if apierr.IntField(resp.JSON, "Code") != apierr.CodeSuccess {
		return false, nil
	}
	s.state.TwoFactor = nil
	return true, nil
}

// Logout ends the session on the server and clears it locally. It is a
// successful no-op without network I/O when not authenticated.
func (s *Session) Logout(ctx context.Context) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	previous := s.AccountName()
	defer s.unlock(ctx, previous)
	return s.logoutLocked(ctx)
}

// logoutLocked keeps local state only on unexpected API errors.
func (s *Session) logoutLocked(ctx context.Context) (bool, error) {
	if !s.Authenticated() {
		s.clearLocal()
		return true, nil
	}
	_, err := s.send(ctx, transport.Request{Endpoint: endpointAuth, Method: http.MethodDelete}, true)
	if err != nil {
		apiErr, ok := apierr.AsAPIError(err)
		if ok && apiErr.HTTPStatus != http.StatusUnauthorized {
			return false, err
		}
		s.clearLocal()
		if !ok {
			return false, err
		}
		return true, nil
	}
	s.clearLocal()
	return true, nil
}

// Lock drops the password and locked scopes of the session.
func (s *Session) Lock(ctx context.Context) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock(ctx, "")

	if _, err := s.send(ctx, transport.Request{Endpoint: endpointUserLock, Method: http.MethodPut}, true); err != nil {
		return false, err
	}
	return s.reloadScopes(ctx)
}

// Unlock proves the password again to regain the scopes dropped by Lock.
func (s *Session) Unlock(ctx context.Context, password string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock(ctx, "")

	h, err := s.startHandshake(ctx, s.AccountName(), password, "")
	if err != nil {
		return false, err
	}
	resp, err := s.send(ctx, transport.Request{Endpoint: endpointUserUnlock, JSON: h.payload, Method: http.MethodPut}, true)
	if err != nil {
		if apiErr, ok := apierr.AsAPIError(err); ok && apiErr.Code() == apierr.CodeWrongCredentials {
			return false, nil
		}
		return false, err
	}
	if ok, err := h.verify(resp.JSON); !ok || err != nil {
		return false, err
	}
	return s.reloadScopes(ctx)
}

func (s *Session) reloadScopes(ctx context.Context) (bool, error) {
	resp, err := s.send(ctx, transport.Request{Endpoint: endpointScopes}, true)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.state.Scopes = apierr.StringSlice(resp.JSON["Scopes"])
	s.mu.Unlock()
	return true, nil
}

// HumanVerificationRequestCode asks the API to send a verification code to
// exactly one of an email address or a phone number.
func (s *Session) HumanVerificationRequestCode(ctx context.Context, address, phone string) (bool, error) {
	var body map[string]any
	switch {
	case address != "" && phone == "":
		body = map[string]any{"Type": "email", "Destination": map[string]any{"Address": address}}
	case phone != "" && address == "":
		body = map[string]any{"Type": "sms", "Destination": map[string]any{"Phone": phone}}
	default:
		return false, fmt.Errorf("%w: exactly one of address or phone is required", ErrInvalidArgument)
	}
	resp, err := s.Post(ctx, endpointUserCode, body)
	if err != nil {
		return false, err
	}
	return apierr.IntField(resp, "Code") == apierr.CodeSuccess, nil
}

// Fork describes a child session created from this one.
type Fork struct {
	ChildClientID string
	// Payload is handed to the child, usually encrypted.
	Payload     string
	Independent bool
	// UserCode, when set, reuses a selector the child already displayed.
	UserCode string
}

// Fork creates a session fork and returns its selector.
func (s *Session) Fork(ctx context.Context, fork Fork) (string, error) {
	if fork.ChildClientID == "" {
		return "", fmt.Errorf("%w: child client id is required", ErrInvalidArgument)
	}
	independent := 0
	if fork.Independent {
		independent = 1
	}
	body := map[string]any{"ChildClientID": fork.ChildClientID, "Independent": independent}
	if fork.Payload != "" {
		body["Payload"] = fork.Payload
	}
	if fork.UserCode != "" {
		body["UserCode"] = fork.UserCode
	}
	resp, err := s.Do(ctx, transport.Request{Endpoint: endpointForks, JSON: body, Method: http.MethodPost})
	if err != nil {
		return "", err
	}
	selector, _ := resp["Selector"].(string)
	if selector == "" {
		return "", fmt.Errorf("%w: fork reply has no selector", apierr.ErrUnexpected)
	}
	return selector, nil
}

// ImportFork adopts the session forked under selector and returns its payload.
func (s *Session) ImportFork(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		return "", fmt.Errorf("%w: selector is required", ErrInvalidArgument)
	}
	if err := s.lock(ctx); err != nil {
		return "", err
	}
	defer s.unlock(ctx, "")

	resp, err := s.do(ctx, transport.Request{Endpoint: endpointForks + "/" + url.PathEscape(selector)}, true)
	if err != nil {
		return "", err
	}
	uid, _ := resp.JSON["UID"].(string)
	access, _ := resp.JSON["AccessToken"].(string)
	refresh, _ := resp.JSON["RefreshToken"].(string)
	payload, _ := resp.JSON["Payload"].(string)
	s.mu.Lock()
	s.state.UID = uid
	s.state.AccessToken = access
	s.state.RefreshToken = refresh
	s.state.Scopes = apierr.StringSlice(resp.JSON["Scopes"])
	s.mu.Unlock()
	return payload, nil
}

func base64Field(m map[string]any, key string) ([]byte, error) {
	raw, _ := m[key].(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: auth info has no %s", apierr.ErrUnexpected, key)
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: auth info %s: %w", apierr.ErrUnexpected, key, err)
	}
	return b, nil
}

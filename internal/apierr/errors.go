// Package apierr defines the closed set of failures surfaced to session callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeSuccess      = 1000
	CodeMultiSuccess = 1001

	CodeWrongCredentials       = 8002
	CodeHumanVerification      = 9001
	CodeHumanVerificationAlone = 12087
)

var (
	ErrAPI                     = errors.New("apierr: api error")
	ErrAuthenticationNeeded    = errors.New("apierr: authentication needed")
	ErrTwoFactorNeeded         = errors.New("apierr: 2fa needed")
	ErrMissingScope            = errors.New("apierr: missing scope")
	ErrHumanVerificationNeeded = errors.New("apierr: human verification needed")
	ErrNotReachable            = errors.New("apierr: api not reachable")
	ErrNotAvailable            = errors.New("apierr: api not available")
	ErrUnexpected              = errors.New("apierr: unexpected error")
	ErrCrypto                  = errors.New("apierr: crypto error")

	ErrUnsupportedAuthVersion = fmt.Errorf(
		"%w: unsupported auth version, please log in via the web client to upgrade your account",
		ErrCrypto,
	)
	ErrPinningFailed = fmt.Errorf("%w: TLS pinning verification failed", ErrNotReachable)
)

// Error is an API envelope whose Code is not a success code.
type Error struct {
	HTTPStatus int
	Headers    http.Header
	Body       map[string]any

	kind error
}

// New builds an Error from a decoded envelope. A nil body is treated as empty.
func New(status int, headers http.Header, body map[string]any) *Error {
	if body == nil {
		body = map[string]any{}
	}
	if headers == nil {
		headers = http.Header{}
	}
	return &Error{HTTPStatus: status, Headers: headers, Body: body}
}

// Code returns the body code, or 0 when absent.
func (e *Error) Code() int {
	return IntField(e.Body, "Code")
}

// Message returns the body's human readable error.
func (e *Error) Message() string {
	if s, ok := e.Body["Error"].(string); ok {
		return s
	}
	return ""
}

func (e *Error) Error() string {
	return fmt.Sprintf("[HTTP/%d, %d] %s", e.HTTPStatus, e.Code(), e.Message())
}

func (e *Error) Unwrap() []error {
	if e.kind != nil {
		return []error{ErrAPI, e.kind}
	}
	return []error{ErrAPI}
}

// WithKind returns a copy of e additionally classified as kind.
func (e *Error) WithKind(kind error) *Error {
	cp := *e
	cp.kind = kind
	return &cp
}

// Kind returns the classification attached by the orchestrator, if any.
func (e *Error) Kind() error {
	return e.kind
}

// HumanVerificationToken returns Details.HumanVerificationToken.
func (e *Error) HumanVerificationToken() string {
	details, _ := e.Body["Details"].(map[string]any)
	token, _ := details["HumanVerificationToken"].(string)
	return token
}

// HumanVerificationMethods returns Details.HumanVerificationMethods.
func (e *Error) HumanVerificationMethods() []string {
	details, _ := e.Body["Details"].(map[string]any)
	return StringSlice(details["HumanVerificationMethods"])
}

// AsAPIError unwraps err into an *Error.
func AsAPIError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IntField reads a JSON number as int. Decoded JSON stores numbers as float64.
func IntField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// StringSlice converts a decoded JSON array into strings, skipping non-strings.
func StringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Package transport places single API calls and chooses between network paths.
package transport

import (
	"context"
	"net/http"
	"net/url"

	"github.com/danmuck/apisession/internal/environment"
)

const PingEndpoint = "/tests/ping"

// Client is the session state a transport reads for each call. Transports
// never own the session.
type Client interface {
	AppVersion() string
	UserAgent() string
	// Credentials returns the session UID and access token when authenticated.
	Credentials() (uid, accessToken string, ok bool)
	Environment() *environment.Environment
}

// Request is one API call. Endpoint is appended to the environment base URL.
type Request struct {
	Endpoint string
	// JSON is encoded as the request body when set.
	JSON    any
	Form    *FormData
	Headers http.Header
	// Method defaults to GET without a body and POST with one.
	Method string
	Params url.Values
}

func (r Request) hasBody() bool {
	return r.JSON != nil || (r.Form != nil && len(r.Form.Fields) > 0)
}

// Response is the decoded result of a successful call. JSON is nil for 304.
type Response struct {
	StatusCode int
	Header     http.Header
	JSON       map[string]any
}

// Transport issues API calls on one network path.
type Transport interface {
	Name() string
	Do(ctx context.Context, req Request) (*Response, error)
}

// Factory builds a transport bound to a client.
type Factory struct {
	Name string
	New  func(Client) Transport
}

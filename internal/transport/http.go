package transport

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/apisession/internal/altroute"
	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/observability"
)

const (
	NameHTTP = "http"

	maxResponseBody = 32 << 20
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

type options struct {
	roots        *x509.CertPool
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	resolverOpts []altroute.Option
}

type Option func(*options)

// WithRootCAs replaces the system roots used when no pins are configured.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.roots = pool }
}

// WithDialContext overrides how TCP connections are placed.
func WithDialContext(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}

// WithResolverOptions configures the alternative routing resolver.
func WithResolverOptions(opts ...altroute.Option) Option {
	return func(o *options) { o.resolverOpts = append(o.resolverOpts, opts...) }
}

// HTTPTransport calls the API directly on the environment base URL.
type HTTPTransport struct {
	name    string
	client  Client
	opts    options
	baseURL func(ctx context.Context) (string, error)
	pins    func() []string

	mu         sync.Mutex
	httpClient *http.Client
	pinKey     string
}

func NewHTTP(client Client, opts ...Option) *HTTPTransport {
	t := newHTTP(NameHTTP, client, opts)
	t.baseURL = func(context.Context) (string, error) {
		return client.Environment().BaseURL(), nil
	}
	t.pins = func() []string { return client.Environment().PinsPrimary() }
	return t
}

func HTTPFactory(opts ...Option) Factory {
	return Factory{Name: NameHTTP, New: func(c Client) Transport { return NewHTTP(c, opts...) }}
}

func newHTTP(name string, client Client, opts []Option) *HTTPTransport {
	t := &HTTPTransport{name: name, client: client}
	for _, opt := range opts {
		opt(&t.opts)
	}
	return t
}

func (t *HTTPTransport) Name() string {
	return t.name
}

func (t *HTTPTransport) httpClientFor(pins []string) *http.Client {
	key := strings.Join(pins, ",")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.httpClient != nil && t.pinKey == key {
		return t.httpClient
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = TLSConfig(pins, t.opts.roots)
	if t.opts.dial != nil {
		tr.DialContext = t.opts.dial
	}
	t.httpClient = &http.Client{Transport: tr}
	t.pinKey = key
	return t.httpClient
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if t.client.Environment() == nil {
		return nil, fmt.Errorf("%w: transport has no environment", apierr.ErrUnexpected)
	}
	base, err := t.baseURL(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := t.build(ctx, base, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := t.httpClientFor(t.pins()).Do(httpReq)
	if err != nil {
		observability.RecordAPIRequest(t.name, httpReq.Method, req.Endpoint, 0, time.Since(start))
		if IsPinningFailure(err) && !errors.Is(err, apierr.ErrPinningFailed) {
			return nil, fmt.Errorf("%w: %w", apierr.ErrPinningFailed, err)
		}
		if errors.Is(err, apierr.ErrPinningFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: connection error: %w", apierr.ErrNotReachable, err)
	}
	defer resp.Body.Close()
	observability.RecordAPIRequest(t.name, httpReq.Method, req.Endpoint, resp.StatusCode, time.Since(start))
	return decodeResponse(resp)
}

func (t *HTTPTransport) build(ctx context.Context, base string, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch {
	case method == "" && req.hasBody():
		method = http.MethodPost
	case method == "":
		method = http.MethodGet
	case !allowedMethods[method]:
		return nil, fmt.Errorf("%w: unknown method %q", apierr.ErrUnexpected, req.Method)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %w", apierr.ErrUnexpected, err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	case req.Form != nil && len(req.Form.Fields) > 0:
		var err error
		body, contentType, err = req.Form.Encode()
		if err != nil {
			return nil, fmt.Errorf("%w: encode form: %w", apierr.ErrUnexpected, err)
		}
	}

	target := base + req.Endpoint
	if len(req.Params) > 0 {
		target += "?" + req.Params.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", apierr.ErrUnexpected, err)
	}

	h := httpReq.Header
	h.Set("x-pm-appversion", t.client.AppVersion())
	h.Set("User-Agent", t.client.UserAgent())
	if uid, token, ok := t.client.Credentials(); ok {
		h.Set("x-pm-uid", uid)
		h.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	for k, v := range t.client.Environment().ExtraHeaders() {
		h.Set(k, v)
	}
	for k, vs := range req.Headers {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return httpReq, nil
}

func decodeResponse(resp *http.Response) (*Response, error) {
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	if resp.StatusCode == http.StatusNotModified {
		return out, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", apierr.ErrNotReachable, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, apierr.New(resp.StatusCode, out.Header, nil)
		}
		return nil, fmt.Errorf("%w: API returned non-json results (%q)", apierr.ErrNotAvailable, mediaType)
	}

	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil || envelope == nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, apierr.New(resp.StatusCode, out.Header, nil)
		}
		return nil, fmt.Errorf("%w: malformed json envelope", apierr.ErrNotAvailable)
	}
	if _, ok := envelope["Code"].(float64); !ok {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, apierr.New(resp.StatusCode, out.Header, envelope)
		}
		return nil, fmt.Errorf("%w: envelope has no Code", apierr.ErrNotAvailable)
	}
	switch apierr.IntField(envelope, "Code") {
	case apierr.CodeSuccess, apierr.CodeMultiSuccess:
		out.JSON = envelope
		return out, nil
	default:
		return nil, apierr.New(resp.StatusCode, out.Header, envelope)
	}
}

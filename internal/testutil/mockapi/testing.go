package mockapi

import (
	"crypto/tls"
	"crypto/x509"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/apisession/internal/testutil/tlstest"
)

// Start serves a new mock API over plain HTTP for the duration of the test
// and returns it with its base URL.
func Start(t testing.TB, cfg Config) (*Server, string) {
	t.Helper()
	srv := mustNew(t, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

// TLSEndpoint is a mock API served over TLS by a throwaway authority.
type TLSEndpoint struct {
	URL   string
	Pin   string
	Roots *x509.CertPool
}

// StartTLS is Start over HTTPS. Clients either trust Roots or pin Pin.
func StartTLS(t testing.TB, cfg Config) (*Server, TLSEndpoint) {
	t.Helper()
	srv := mustNew(t, cfg)
	ca := tlstest.NewAuthority(t, "mockapi test ca")
	leaf := ca.IssueServerCert(t, "mockapi")

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{leaf.TLS}, MinVersion: tls.VersionTLS12}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return srv, TLSEndpoint{URL: ts.URL, Pin: leaf.Pin, Roots: ca.Pool()}
}

func mustNew(t testing.TB, cfg Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("mockapi: %v", err)
	}
	return srv
}

package transport

import (
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/apisession/internal/environment"
)

type fakeClient struct {
	env   *environment.Environment
	uid   string
	token string
}

func (c *fakeClient) AppVersion() string { return "linux-vpn@4.0.0" }
func (c *fakeClient) UserAgent() string  { return "apisession-test/1.0" }
func (c *fakeClient) Credentials() (string, string, bool) {
	return c.uid, c.token, c.uid != ""
}
func (c *fakeClient) Environment() *environment.Environment { return c.env }

func newEnv(t *testing.T, spec environment.Spec) *environment.Environment {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "test"
	}
	env, err := environment.New(spec)
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	return env
}

func rootsFor(srv *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return pool
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/apisession/internal/altroute"
	"github.com/danmuck/apisession/internal/environment"
	"github.com/danmuck/apisession/internal/testutil/testlog"
)

func txtAnswer(query []byte, host string) []byte {
	reply := make([]byte, 12)
	copy(reply, query[:2])
	binary.BigEndian.PutUint16(reply[2:], 0x8180)
	binary.BigEndian.PutUint16(reply[4:], 1)
	binary.BigEndian.PutUint16(reply[6:], 1)
	reply = append(reply, query[12:]...)
	reply = append(reply, 0xc0, 0x0c, 0x00, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x78)
	reply = binary.BigEndian.AppendUint16(reply, uint16(len(host)+1))
	reply = append(reply, byte(len(host)))
	return append(reply, host...)
}

func TestAlternativeRoutingRewritesHostAndKeepsPath(t *testing.T) {
	testlog.Start(t)
	api := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "alt.example.test" || r.URL.Path != "/api/tests/ping" {
			http.Error(w, r.Host+r.URL.Path, http.StatusNotFound)
			return
		}
		writeJSON(w, 200, map[string]any{"Code": 1000})
	}))
	defer api.Close()
	doh := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(txtAnswer(query, "alt.example.test"))
	}))
	defer doh.Close()

	env := newEnv(t, environment.Spec{
		BaseURL:         "https://api.example.test/api",
		PinsPrimary:     []string{"unused="},
		PinsAlternative: []string{PinHash(api.Certificate())},
	})
	dialer := &net.Dialer{Timeout: time.Second}
	tr := NewAlternativeRouting(&fakeClient{env: env},
		WithRootCAs(rootsFor(doh)),
		WithDialContext(func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, api.Listener.Addr().String())
		}),
		WithResolverOptions(
			altroute.WithProviders([]altroute.Provider{{Name: "test", IPv4: []string{doh.Listener.Addr().String()}, Path: "/dns-query"}}),
			altroute.WithStagger(10*time.Millisecond, time.Second),
		),
	)

	resp, err := tr.Do(context.Background(), Request{Endpoint: PingEndpoint})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status=%d", resp.StatusCode)
	}
	if routes := tr.Resolver().Routes(); len(routes) != 1 || routes[0].Domain != "alt.example.test" {
		t.Fatalf("unexpected routes=%v", routes)
	}
	if tr.Resolver().Host() != "api.example.test" {
		t.Fatalf("resolver bound to wrong host=%s", tr.Resolver().Host())
	}
}

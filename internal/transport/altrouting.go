package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/danmuck/apisession/internal/altroute"
)

const NameAlternativeRouting = "alternative-routing"

// AlternativeRoutingTransport sends calls to a domain discovered through DoH,
// keeping the base URL path and using the alternative pin set.
type AlternativeRoutingTransport struct {
	*HTTPTransport

	once     sync.Once
	resolver *altroute.Resolver
}

func NewAlternativeRouting(client Client, opts ...Option) *AlternativeRoutingTransport {
	t := &AlternativeRoutingTransport{HTTPTransport: newHTTP(NameAlternativeRouting, client, opts)}
	t.baseURL = t.routedBaseURL
	t.pins = func() []string { return client.Environment().PinsAlternative() }
	return t
}

func AlternativeRoutingFactory(opts ...Option) Factory {
	return Factory{Name: NameAlternativeRouting, New: func(c Client) Transport { return NewAlternativeRouting(c, opts...) }}
}

// Resolver returns the route cache, creating it for the current environment.
func (t *AlternativeRoutingTransport) Resolver() *altroute.Resolver {
	t.once.Do(func() {
		opts := []altroute.Option{}
		if t.opts.roots != nil {
			opts = append(opts, altroute.WithHTTPClient(t.dohClient()))
		}
		opts = append(opts, t.opts.resolverOpts...)
		t.resolver = altroute.NewResolver(t.client.Environment().Hostname(), opts...)
	})
	return t.resolver
}

func (t *AlternativeRoutingTransport) dohClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = TLSConfig(nil, t.opts.roots)
	return &http.Client{Transport: tr, Timeout: altroute.DefaultWindow}
}

func (t *AlternativeRoutingTransport) routedBaseURL(ctx context.Context) (string, error) {
	route, err := t.Resolver().Current(ctx)
	if err != nil {
		return "", err
	}
	return "https://" + route.Domain + t.client.Environment().Path(), nil
}

// Package altroute discovers alternative API domains through DNS TXT lookups
// carried over DNS-over-HTTPS and keeps a TTL ordered route cache.
package altroute

import (
	"bytes"
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/dnswire"
	"github.com/danmuck/apisession/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DomainSuffix = ".protonpro.xyz"

	DefaultStagger = 2 * time.Second
	DefaultWindow  = 10 * time.Second

	dnsMessageType = "application/dns-message"
	maxReplySize   = 64 << 10
)

var (
	ErrNoRoute      = fmt.Errorf("%w: alternative routing has no route", apierr.ErrNotReachable)
	ErrUnresolvable = fmt.Errorf("%w: could not resolve any alternative routing names", apierr.ErrNotReachable)
)

// Provider is a DoH service reachable on several literal addresses.
type Provider struct {
	Name string
	IPv4 []string
	IPv6 []string
	Path string
}

// DefaultProviders returns the public DoH resolvers queried in production.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name: "google",
			IPv4: []string{"8.8.4.4", "8.8.8.8"},
			IPv6: []string{"2001:4860:4860::8844", "2001:4860:4860::8888"},
			Path: "/dns-query",
		},
		{
			Name: "quad9",
			IPv4: []string{"149.112.112.11", "9.9.9.11"},
			IPv6: []string{"2620:fe::fe:11", "2620:fe::11"},
			Path: "/dns-query",
		},
	}
}

// Route is a resolved alternative domain and its expiry.
type Route struct {
	Domain    string
	ExpiresAt time.Time
}

// Domain returns the TXT lookup name for host.
func Domain(host string) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(host))
	return "d" + enc + DomainSuffix
}

type Option func(*Resolver)

func WithProviders(providers []Provider) Option {
	return func(r *Resolver) { r.providers = providers }
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.client = client }
}

// WithStagger sets the delay step between successive queries and the total window.
func WithStagger(step, window time.Duration) Option {
	return func(r *Resolver) {
		r.stagger = step
		r.window = window
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver maintains the alternative routes of one primary host.
type Resolver struct {
	host      string
	providers []Provider
	client    *http.Client
	stagger   time.Duration
	window    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	routes []Route
	group  singleflight.Group
}

func NewResolver(host string, opts ...Option) *Resolver {
	r := &Resolver{
		host:      host,
		providers: DefaultProviders(),
		client:    &http.Client{Timeout: DefaultWindow},
		stagger:   DefaultStagger,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Host() string {
	return r.host
}

// Routes returns a snapshot of the cache, freshest first.
func (r *Resolver) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.routes)
}

// NeedsRefresh reports whether the cache is empty or its freshest route expired.
func (r *Resolver) NeedsRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes) == 0 || r.routes[0].ExpiresAt.Before(r.now())
}

// Current refreshes the cache when needed and returns the freshest route.
func (r *Resolver) Current(ctx context.Context) (Route, error) {
	if r.NeedsRefresh() {
		if err := r.Refresh(ctx); err != nil {
			return Route{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routes) == 0 {
		return Route{}, ErrNoRoute
	}
	return r.routes[0], nil
}

// Refresh runs one resolution round. Concurrent callers share the round.
func (r *Resolver) Refresh(ctx context.Context) error {
	round := context.WithoutCancel(ctx)
	ch := r.group.DoChan("refresh", func() (any, error) {
		return nil, r.refresh(round)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type target struct {
	provider string
	url      string
	delay    time.Duration
}

type queryResult struct {
	target target
	routes []Route
	err    error
}

func (r *Resolver) targets() []target {
	var v4, v6 []target
	for _, p := range r.providers {
		for _, ip := range p.IPv4 {
			v4 = append(v4, target{provider: p.Name, url: "https://" + urlHost(ip) + p.Path})
		}
		for _, ip := range p.IPv6 {
			v6 = append(v6, target{provider: p.Name, url: "https://" + urlHost(ip) + p.Path})
		}
	}
	rand.Shuffle(len(v4), func(i, j int) { v4[i], v4[j] = v4[j], v4[i] })
	rand.Shuffle(len(v6), func(i, j int) { v6[i], v6[j] = v6[j], v6[i] })

	var out []target
	for i := 0; i < max(len(v4), len(v6)); i++ {
		delay := time.Duration(i) * r.stagger
		if delay > r.window {
			break
		}
		if i < len(v4) {
			v4[i].delay = delay
			out = append(out, v4[i])
		}
		if i < len(v6) {
			v6[i].delay = delay
			out = append(out, v6[i])
		}
	}
	return out
}

func (r *Resolver) refresh(ctx context.Context) error {
	query, err := dnswire.BuildQuery(Domain(r.host), dnswire.TypeTXT, dnswire.ClassIN)
	if err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrUnexpected, err)
	}

	raceCtx, cancel := context.WithTimeout(ctx, r.window)
	defer cancel()

	targets := r.targets()
	results := make(chan queryResult, len(targets))
	for _, tg := range targets {
		go func(tg target) {
			routes, err := r.query(raceCtx, tg, query)
			results <- queryResult{target: tg, routes: routes, err: err}
		}(tg)
	}

	var fresh []Route
	for pending := len(targets); pending > 0 && len(fresh) == 0; {
		select {
		case res := <-results:
			pending--
			if res.err == nil {
				fresh = append(fresh, res.routes...)
				continue
			}
			if errors.Is(res.err, dnswire.ErrNXDomain) {
				return fmt.Errorf("%w: %w", apierr.ErrNotAvailable, res.err)
			}
			if raceCtx.Err() == nil {
				log.Debug().Err(res.err).Str("resolver", res.target.url).Msg("altroute: query failed")
			}
		case <-raceCtx.Done():
			pending = 0
		}
	}
	cancel()
	return r.merge(fresh)
}

func (r *Resolver) merge(fresh []Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if len(fresh) == 0 {
		if len(r.routes) > 0 {
			log.Warn().Str("host", r.host).Msg("altroute: no new routes, keeping cached routes")
			return nil
		}
		return ErrUnresolvable
	}

	byDomain := make(map[string]Route, len(fresh))
	for _, route := range fresh {
		if prev, ok := byDomain[route.Domain]; !ok || route.ExpiresAt.After(prev.ExpiresAt) {
			byDomain[route.Domain] = route
		}
	}
	for _, route := range r.routes {
		if _, ok := byDomain[route.Domain]; !ok && !route.ExpiresAt.Before(now) {
			byDomain[route.Domain] = route
		}
	}

	routes := make([]Route, 0, len(byDomain))
	for _, route := range byDomain {
		routes = append(routes, route)
	}
	slices.SortFunc(routes, func(a, b Route) int {
		if c := b.ExpiresAt.Compare(a.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.Domain, b.Domain)
	})
	r.routes = routes
	return nil
}

func (r *Resolver) query(ctx context.Context, tg target, query []byte) ([]Route, error) {
	if tg.delay > 0 {
		timer := time.NewTimer(tg.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	start := time.Now()
	routes, err := r.exchange(ctx, tg.url, query)
	outcome := "ok"
	switch {
	case errors.Is(err, dnswire.ErrNXDomain):
		outcome = "nxdomain"
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	observability.RecordDNSQuery(tg.provider, outcome, time.Since(start))
	return routes, err
}

func (r *Resolver) exchange(ctx context.Context, url string, query []byte) ([]Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apierr.ErrNotReachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: resolver returned HTTP %d", apierr.ErrNotReachable, resp.StatusCode)
	}
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apierr.ErrNotReachable, err)
	}

	answers, err := dnswire.Parse(reply)
	if err != nil {
		return nil, err
	}
	now := r.now()
	routes := make([]Route, 0, len(answers))
	for _, answer := range answers {
		if answer.Type != dnswire.TypeTXT {
			continue
		}
		routes = append(routes, Route{
			Domain:    answer.Host,
			ExpiresAt: now.Add(time.Duration(answer.TTL) * time.Second),
		})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: resolver returned no TXT answers", apierr.ErrNotReachable)
	}
	return routes, nil
}

func urlHost(addr string) string {
	if ip, err := netip.ParseAddr(addr); err == nil && ip.Is6() {
		return "[" + addr + "]"
	}
	return addr
}

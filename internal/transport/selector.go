package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	NameAuto = "auto"

	DefaultTimeout = 15 * time.Second
	selectAttempts = 3
)

var (
	ErrNoWorkingTransport = fmt.Errorf("%w: no working transports found", apierr.ErrNotReachable)
	ErrTransportTimeout   = fmt.Errorf("%w: timeout accessing the API", apierr.ErrNotReachable)
)

// Candidate is a transport probed after Delay during selection.
type Candidate struct {
	Delay   time.Duration
	Factory Factory
}

// DefaultCandidates probes the direct path first and alternative routing after 5s.
func DefaultCandidates(opts ...Option) []Candidate {
	return []Candidate{
		{Delay: 0, Factory: HTTPFactory(opts...)},
		{Delay: 5 * time.Second, Factory: AlternativeRoutingFactory(opts...)},
	}
}

// Selector races candidate transports and forwards calls to the first one
// that answers the liveness probe.
type Selector struct {
	client     Client
	candidates []Candidate
	timeout    time.Duration

	mu      sync.Mutex
	current Transport
	group   singleflight.Group
}

func NewSelector(client Client, candidates []Candidate, timeout time.Duration) *Selector {
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Selector{client: client, candidates: candidates, timeout: timeout}
}

func SelectorFactory(timeout time.Duration, opts ...Option) Factory {
	return Factory{Name: NameAuto, New: func(c Client) Transport {
		return NewSelector(c, DefaultCandidates(opts...), timeout)
	}}
}

func (s *Selector) Name() string {
	return NameAuto
}

// Current returns the committed transport, or nil.
func (s *Selector) Current() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Selector) evict(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == t {
		s.current = nil
	}
}

// Select returns the committed transport, running a selection round if none is.
func (s *Selector) Select(ctx context.Context) (Transport, error) {
	if t := s.Current(); t != nil {
		return t, nil
	}
	round := context.WithoutCancel(ctx)
	ch := s.group.DoChan("select", func() (any, error) {
		if t := s.Current(); t != nil {
			return t, nil
		}
		t, err := s.race(round)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.current = t
		s.mu.Unlock()
		return t, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Transport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type probeResult struct {
	transport Transport
	err       error
}

func (s *Selector) race(ctx context.Context) (Transport, error) {
	start := time.Now()
	raceCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make(chan probeResult, len(s.candidates))
	for _, c := range s.candidates {
		go func(c Candidate) {
			t := c.Factory.New(s.client)
			results <- probeResult{transport: t, err: s.probe(raceCtx, c.Delay, t)}
		}(c)
	}

	for pending := len(s.candidates); pending > 0; {
		select {
		case res := <-results:
			pending--
			switch {
			case res.err == nil:
				log.Debug().Str("transport", res.transport.Name()).Dur("elapsed", time.Since(start)).Msg("transport: committed")
				observability.RecordTransportSelection(res.transport.Name(), time.Since(start), true)
				return res.transport, nil
			case errors.Is(res.err, apierr.ErrNotReachable), errors.Is(res.err, apierr.ErrNotAvailable):
				log.Debug().Err(res.err).Str("transport", res.transport.Name()).Msg("transport: candidate failed")
			case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
			default:
				observability.RecordTransportSelection("", time.Since(start), false)
				return nil, res.err
			}
		case <-raceCtx.Done():
			pending = 0
		}
	}
	log.Warn().Dur("elapsed", time.Since(start)).Msg("transport: no working transport")
	observability.RecordTransportSelection("", time.Since(start), false)
	return nil, ErrNoWorkingTransport
}

func (s *Selector) probe(ctx context.Context, delay time.Duration, t Transport) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := t.Do(probeCtx, Request{Endpoint: PingEndpoint})
	if err != nil {
		if probeCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %s transport: unable to reach %s", apierr.ErrNotReachable, t.Name(), PingEndpoint)
		}
		return err
	}
	if resp.JSON == nil || apierr.IntField(resp.JSON, "Code") != apierr.CodeSuccess {
		return fmt.Errorf("%w: %s transport: unexpected response from %s: %v",
			apierr.ErrNotAvailable, t.Name(), PingEndpoint, resp.JSON)
	}
	return nil
}

// Do forwards req to the committed transport. A call timing out evicts the
// transport so the next attempt selects again.
func (s *Selector) Do(ctx context.Context, req Request) (*Response, error) {
	for attempt := 0; attempt < selectAttempts; attempt++ {
		t, err := s.Select(ctx)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := t.Do(callCtx, req)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil && timedOut && ctx.Err() == nil {
			log.Warn().Str("transport", t.Name()).Str("endpoint", req.Endpoint).Msg("transport: call timed out, reselecting")
			s.evict(t)
			continue
		}
		return resp, err
	}
	return nil, ErrTransportTimeout
}

// Package environment describes the API deployments a session can target.
package environment

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/danmuck/apisession/internal/capability"
)

const ProductionName = "prod"

var ErrInvalid = errors.New("environment: invalid definition")

// Environment is an immutable API target. Equality is by Name.
type Environment struct {
	name            string
	baseURL         string
	extraHeaders    map[string]string
	pinsPrimary     []string
	pinsAlternative []string
}

// Spec is the mutable form used to build an Environment.
type Spec struct {
	Name            string
	BaseURL         string
	ExtraHeaders    map[string]string
	PinsPrimary     []string
	PinsAlternative []string
}

// New validates spec and freezes it.
func New(spec Spec) (*Environment, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	u, err := url.Parse(strings.TrimSpace(spec.BaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("%w: %s: base url %q", ErrInvalid, name, spec.BaseURL)
	}
	return &Environment{
		name:            name,
		baseURL:         strings.TrimRight(u.String(), "/"),
		extraHeaders:    maps.Clone(spec.ExtraHeaders),
		pinsPrimary:     normalizePins(spec.PinsPrimary),
		pinsAlternative: normalizePins(spec.PinsAlternative),
	}, nil
}

func normalizePins(pins []string) []string {
	out := make([]string, 0, len(pins))
	for _, pin := range pins {
		if pin = strings.TrimSpace(pin); pin != "" && !slices.Contains(out, pin) {
			out = append(out, pin)
		}
	}
	return out
}

func (e *Environment) Name() string    { return e.name }
func (e *Environment) BaseURL() string { return e.baseURL }

// Host returns the host[:port] of the base URL.
func (e *Environment) Host() string {
	u, _ := url.Parse(e.baseURL)
	return u.Host
}

// Hostname returns the base URL host without port.
func (e *Environment) Hostname() string {
	u, _ := url.Parse(e.baseURL)
	return u.Hostname()
}

// Path returns the base URL path, possibly empty.
func (e *Environment) Path() string {
	u, _ := url.Parse(e.baseURL)
	return u.Path
}

func (e *Environment) ExtraHeaders() map[string]string { return maps.Clone(e.extraHeaders) }

// PinsPrimary is the pin set of the direct path. Empty means standard validation.
func (e *Environment) PinsPrimary() []string { return slices.Clone(e.pinsPrimary) }

// PinsAlternative is the pin set of alternative routing domains.
func (e *Environment) PinsAlternative() []string { return slices.Clone(e.pinsAlternative) }

// Equal compares by name. Nil environments are only equal to each other.
func (e *Environment) Equal(other *Environment) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.name == other.name
}

func (e *Environment) String() string { return e.name }

// Production returns the production deployment.
func Production() *Environment {
	return &Environment{
		name:         ProductionName,
		baseURL:      "https://api.protonvpn.ch",
		extraHeaders: map[string]string{},
		pinsPrimary: []string{
			"drtmcR2kFkM8qJClsuWgUzxgBkePfRCkRpqUesyDmeE=",
			"YRGlaY0jyJ4Jw2/4M8FIftwbDIQfh8Sdro96CeEel54=",
			"AfMENBVvOS8MnISprtvyPsjKlPooqh8nMB/pvCrpJpw=",
		},
		pinsAlternative: []string{
			"EU6TS9MO0L/GsDHvVc9D5fChYLNy5JdGYpJw0ccgetM=",
			"iKPIHPnDNqdkvOnTClQ8zQAIKG0XavaPkcEo0LBAABA=",
			"MSlVrBCdL0hKyczvgYVSRNm88RicyY04Q2y5qrBt0xA=",
			"C2UxW0T1Ckl9s+8cXfjXxlEqwAfPM4HiW2y3UdtBeCw=",
		},
	}
}

// Register adds env to reg as an environment backend. Registering an
// identical definition under the same name again is a no-op.
func Register(reg *capability.Registry, env *Environment, priority int) error {
	err := reg.Register(capability.Environment, capability.Backend{
		Name:     env.Name(),
		Priority: priority,
		New:      func() (any, error) { return env, nil },
	})
	if !errors.Is(err, capability.ErrBackendExists) {
		return err
	}
	existing, lookupErr := capability.Instantiate[*Environment](reg, capability.Environment, env.Name())
	if lookupErr != nil || !existing.sameDefinition(env) {
		return err
	}
	return nil
}

func (e *Environment) sameDefinition(other *Environment) bool {
	return e.name == other.name &&
		e.baseURL == other.baseURL &&
		maps.Equal(e.extraHeaders, other.extraHeaders) &&
		slices.Equal(e.pinsPrimary, other.pinsPrimary) &&
		slices.Equal(e.pinsAlternative, other.pinsAlternative)
}

func init() {
	if err := Register(capability.Default(), Production(), 10); err != nil {
		panic(err)
	}
}

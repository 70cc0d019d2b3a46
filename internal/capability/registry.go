// Package capability resolves a named capability ("transport", "environment",
// "keyring") to a concrete backend by priority.
package capability

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

const EnvOverrides = "APISESSION_LOADER_OVERRIDES"

const (
	Transport   = "transport"
	Environment = "environment"
	Keyring     = "keyring"
)

var (
	ErrBackendExists    = errors.New("capability: backend already registered")
	ErrInvalidBackend   = errors.New("capability: invalid backend")
	ErrNoBackend        = errors.New("capability: no acceptable backend")
	ErrUnknownBackend   = errors.New("capability: unknown backend")
	ErrConflictingForce = errors.New("capability: overrides force more than one backend")
	ErrWrongType        = errors.New("capability: backend has unexpected type")
)

// Backend is one implementation of a capability. A Priority of zero or less
// keeps the backend out of default selection; it can still be named or forced.
type Backend struct {
	Name     string
	Priority int
	// Validate, when set, is checked before selection. A backend that fails
	// is dropped for the lifetime of the registry.
	Validate func() bool
	New      func() (any, error)
}

// Registry stores backends per capability.
type Registry struct {
	mu        sync.RWMutex
	items     map[string]map[string]Backend
	overrides func() string
}

// NewRegistry creates an empty registry reading overrides from the environment.
func NewRegistry() *Registry {
	return &Registry{
		items:     make(map[string]map[string]Backend),
		overrides: func() string { return os.Getenv(EnvOverrides) },
	}
}

// WithOverrides replaces the override source, mostly for tests.
func (r *Registry) WithOverrides(fn func() string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = fn
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry populated by package init functions.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a backend under capability.
func (r *Registry) Register(capability string, b Backend) error {
	capability = strings.TrimSpace(capability)
	b.Name = strings.TrimSpace(b.Name)
	if capability == "" || b.Name == "" || b.New == nil {
		return fmt.Errorf("%w: capability, name and constructor are required", ErrInvalidBackend)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	backends, ok := r.items[capability]
	if !ok {
		backends = make(map[string]Backend)
		r.items[capability] = backends
	}
	if _, ok := backends[b.Name]; ok {
		return fmt.Errorf("%w: %s/%s", ErrBackendExists, capability, b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister panics on registration errors. Used from init functions.
func (r *Registry) MustRegister(capability string, b Backend) {
	if err := r.Register(capability, b); err != nil {
		panic(err)
	}
}

// List returns the acceptable backends, highest priority first, followed by
// the ones excluded by overrides or lacking a priority.
func (r *Registry) List(capability string) ([]Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	force, excluded, err := parseOverrides(r.overrides(), capability)
	if err != nil {
		return nil, err
	}

	var selectable, rest []Backend
	for name, b := range r.items[capability] {
		switch {
		case force != "" && name == force:
			b.Priority = max(b.Priority, 1)
			selectable = append(selectable, b)
		case force != "", excluded[name], b.Priority <= 0:
			rest = append(rest, b)
		default:
			selectable = append(selectable, b)
		}
	}
	sortBackends(selectable)
	sortBackends(rest)
	for i := range rest {
		rest[i].Priority = 0
	}
	return append(selectable, rest...), nil
}

// Names lists registered backend names for capability, sorted.
func (r *Registry) Names(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items[capability]))
	for name := range r.items[capability] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the highest priority backend that validates.
func (r *Registry) Resolve(capability string) (Backend, error) {
	backends, err := r.List(capability)
	if err != nil {
		return Backend{}, err
	}
	for _, b := range backends {
		if b.Priority <= 0 {
			break
		}
		if b.Validate != nil && !b.Validate() {
			r.drop(capability, b.Name)
			continue
		}
		return b, nil
	}
	return Backend{}, fmt.Errorf("%w: %s", ErrNoBackend, capability)
}

// ResolveNamed returns the backend registered as name, ignoring priorities.
func (r *Registry) ResolveNamed(capability, name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.items[capability][name]
	r.mu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("%w: %s/%s", ErrUnknownBackend, capability, name)
	}
	return b, nil
}

// Instantiate builds the named backend, or the default one when name is empty,
// and asserts its type.
func Instantiate[T any](r *Registry, capability, name string) (T, error) {
	var zero T
	var (
		b   Backend
		err error
	)
	if name == "" {
		b, err = r.Resolve(capability)
	} else {
		b, err = r.ResolveNamed(capability, name)
	}
	if err != nil {
		return zero, err
	}
	v, err := b.New()
	if err != nil {
		return zero, fmt.Errorf("capability: build %s/%s: %w", capability, b.Name, err)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s is %T", ErrWrongType, capability, b.Name, v)
	}
	return out, nil
}

func (r *Registry) drop(capability, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items[capability], name)
}

func sortBackends(bs []Backend) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Priority != bs[j].Priority {
			return bs[i].Priority > bs[j].Priority
		}
		return bs[i].Name > bs[j].Name
	})
}

// parseOverrides reads whitespace separated "capability=name" (force) and
// "capability=-name" (exclude) entries.
func parseOverrides(raw, capability string) (string, map[string]bool, error) {
	prefix := capability + "="
	forced := map[string]bool{}
	excluded := map[string]bool{}
	for _, field := range strings.Fields(raw) {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		value := strings.TrimPrefix(field, prefix)
		if name, ok := strings.CutPrefix(value, "-"); ok {
			excluded[name] = true
		} else if value != "" {
			forced[value] = true
		}
	}
	if len(forced) > 1 {
		return "", nil, fmt.Errorf("%w: %s", ErrConflictingForce, capability)
	}
	for name := range forced {
		return name, excluded, nil
	}
	return "", excluded, nil
}

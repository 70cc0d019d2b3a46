package capability

import (
	"errors"
	"testing"

	"github.com/danmuck/apisession/internal/testutil/testlog"
)

type greeter interface{ Greet() string }

type named string

func (n named) Greet() string { return string(n) }

func newTestRegistry(overrides string) *Registry {
	r := NewRegistry().WithOverrides(func() string { return overrides })
	r.MustRegister("greeter", Backend{Name: "low", Priority: 1, New: func() (any, error) { return named("low"), nil }})
	r.MustRegister("greeter", Backend{Name: "high", Priority: 10, New: func() (any, error) { return named("high"), nil }})
	r.MustRegister("greeter", Backend{Name: "manual", New: func() (any, error) { return named("manual"), nil }})
	return r
}

func TestResolvePicksHighestPriority(t *testing.T) {
	testlog.Start(t)
	r := newTestRegistry("")
	g, err := Instantiate[greeter](r, "greeter", "")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if g.Greet() != "high" {
		t.Fatalf("unexpected backend=%s", g.Greet())
	}
	g, err = Instantiate[greeter](r, "greeter", "manual")
	if err != nil || g.Greet() != "manual" {
		t.Fatalf("named lookup got=%v err=%v", g, err)
	}
}

func TestOverridesForceAndExclude(t *testing.T) {
	testlog.Start(t)
	b, err := newTestRegistry("keyring=memory greeter=-high").Resolve("greeter")
	if err != nil || b.Name != "low" {
		t.Fatalf("exclude got=%v err=%v", b.Name, err)
	}
	b, err = newTestRegistry("greeter=manual").Resolve("greeter")
	if err != nil || b.Name != "manual" {
		t.Fatalf("force got=%v err=%v", b.Name, err)
	}
	_, err = newTestRegistry("greeter=low greeter=high").Resolve("greeter")
	if !errors.Is(err, ErrConflictingForce) {
		t.Fatalf("expected conflicting force, got %v", err)
	}
}

func TestFailedValidationDropsBackend(t *testing.T) {
	testlog.Start(t)
	r := newTestRegistry("")
	calls := 0
	r.MustRegister("greeter", Backend{
		Name:     "broken",
		Priority: 50,
		Validate: func() bool { calls++; return false },
		New:      func() (any, error) { return named("broken"), nil },
	})
	for i := 0; i < 2; i++ {
		b, err := r.Resolve("greeter")
		if err != nil || b.Name != "high" {
			t.Fatalf("resolve got=%v err=%v", b.Name, err)
		}
	}
	if calls != 1 {
		t.Fatalf("broken backend validated %d times", calls)
	}
	if _, err := r.ResolveNamed("greeter", "broken"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected dropped backend, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	testlog.Start(t)
	r := newTestRegistry("")
	err := r.Register("greeter", Backend{Name: "low", New: func() (any, error) { return nil, nil }})
	if !errors.Is(err, ErrBackendExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := r.Register("greeter", Backend{Name: "nil"}); !errors.Is(err, ErrInvalidBackend) {
		t.Fatalf("expected invalid backend, got %v", err)
	}
	if _, err := Instantiate[greeter](NewRegistry(), "greeter", ""); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected no backend, got %v", err)
	}
}

package transport

import "github.com/danmuck/apisession/internal/capability"

// Register adds the built-in transport factories to reg.
func Register(reg *capability.Registry, opts ...Option) error {
	backends := []capability.Backend{
		{Name: NameAuto, Priority: 100, New: func() (any, error) { return SelectorFactory(DefaultTimeout, opts...), nil }},
		{Name: NameHTTP, Priority: 10, New: func() (any, error) { return HTTPFactory(opts...), nil }},
		{Name: NameAlternativeRouting, Priority: 5, New: func() (any, error) { return AlternativeRoutingFactory(opts...), nil }},
	}
	for _, b := range backends {
		if err := reg.Register(capability.Transport, b); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	if err := Register(capability.Default()); err != nil {
		panic(err)
	}
}

// Package keyring stores JSON documents under short lowercase keys.
package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/danmuck/apisession/internal/capability"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

var (
	ErrNotFound     = errors.New("keyring: key not found")
	ErrInvalidKey   = errors.New("keyring: key must match ^[a-z0-9-]+$")
	ErrInvalidValue = errors.New("keyring: value must be a JSON object or array")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Keyring is a key to JSON document store.
type Keyring interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Opener builds a keyring backend. Backends without storage ignore path.
type Opener func(path string) (Keyring, error)

func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ValidateValue accepts only JSON objects and arrays.
func ValidateValue(value json.RawMessage) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid(trimmed) {
		return ErrInvalidValue
	}
	return nil
}

// Register adds the built-in backends to reg.
func Register(reg *capability.Registry) error {
	backends := []capability.Backend{
		{Name: BackendSQLite, Priority: 10, New: func() (any, error) { return Opener(openSQLite), nil }},
		{Name: BackendMemory, Priority: 1, New: func() (any, error) { return Opener(openMemory), nil }},
	}
	for _, b := range backends {
		if err := reg.Register(capability.Keyring, b); err != nil {
			return err
		}
	}
	return nil
}

// Open builds the named backend from reg, or the default one when name is
// empty.
func Open(reg *capability.Registry, name, path string) (Keyring, error) {
	open, err := capability.Instantiate[Opener](reg, capability.Keyring, name)
	if err != nil {
		return nil, err
	}
	return open(path)
}

func init() {
	if err := Register(capability.Default()); err != nil {
		panic(err)
	}
}

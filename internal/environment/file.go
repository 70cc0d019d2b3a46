package environment

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/apisession/internal/capability"
	gotoml "github.com/pelletier/go-toml/v2"
)

type fileConfig struct {
	Environments []fileEnvironment `toml:"environment"`
}

type fileEnvironment struct {
	Name            string            `toml:"name"`
	BaseURL         string            `toml:"base_url"`
	Priority        int               `toml:"priority"`
	ExtraHeaders    map[string]string `toml:"extra_headers"`
	PinsPrimary     []string          `toml:"pins"`
	PinsAlternative []string          `toml:"pins_alternative"`
}

// Entry is a loaded environment with its registry priority.
type Entry struct {
	Env      *Environment
	Priority int
}

// LoadFile reads [[environment]] tables from a TOML file.
func LoadFile(path string) ([]Entry, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load environments: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}
	out := make([]Entry, 0, len(raw.Environments))
	seen := map[string]bool{}
	for i, fe := range raw.Environments {
		env, err := New(Spec{
			Name:            fe.Name,
			BaseURL:         fe.BaseURL,
			ExtraHeaders:    fe.ExtraHeaders,
			PinsPrimary:     fe.PinsPrimary,
			PinsAlternative: fe.PinsAlternative,
		})
		if err != nil {
			return nil, fmt.Errorf("environment[%d]: %w", i, err)
		}
		if seen[env.Name()] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalid, env.Name())
		}
		seen[env.Name()] = true
		out = append(out, Entry{Env: env, Priority: fe.Priority})
	}
	return out, nil
}

// RegisterFile loads path and registers every environment into reg.
func RegisterFile(reg *capability.Registry, path string) error {
	entries, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := Register(reg, entry.Env, entry.Priority); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile serializes envs as a TOML environments file.
func WriteFile(path string, entries []Entry, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("environments file already exists: %s", path)
		}
	}
	var raw fileConfig
	for _, entry := range entries {
		env := entry.Env
		raw.Environments = append(raw.Environments, fileEnvironment{
			Name:            env.Name(),
			BaseURL:         env.BaseURL(),
			Priority:        entry.Priority,
			ExtraHeaders:    env.ExtraHeaders(),
			PinsPrimary:     env.PinsPrimary(),
			PinsAlternative: env.PinsAlternative(),
		})
	}
	data, err := gotoml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode environments: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Template returns a commented environments file for local development.
func Template() string {
	return strings.TrimLeft(template, "\n")
}

const template = `
# Extra API environments. Names must be unique; "prod" is built in.

[[environment]]
name = "local"
base_url = "https://127.0.0.1:8443/api"
priority = 0
pins = []
pins_alternative = []

[environment.extra_headers]
x-pm-environment = "local"
`

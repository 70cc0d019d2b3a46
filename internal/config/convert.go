package config

import "github.com/danmuck/apisession/internal/logging"

// Logging maps the [log] section onto the runtime logging profile.
func (c LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if level, ok := logging.ParseLevel(c.Level); ok {
		cfg.Level = level
	}
	cfg.File = c.File
	cfg.NoColor = c.NoColor
	return cfg
}

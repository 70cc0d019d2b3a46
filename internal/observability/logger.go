package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the current global logger tagged with a component name.
// The result is a copy; long-lived values should call it when they log.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

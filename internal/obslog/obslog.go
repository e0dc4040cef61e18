// Package obslog configures the structured logger. Core packages return
// errors and stay silent; the CLI binds one logger per process and logs one
// event per operation. The secret module PIN must never reach a log line,
// so it is not a field anywhere in this module.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/threshold-custody/core/pkg/party"
)

// New returns a console logger scoped to the node. Unknown levels fall back
// to info rather than failing startup.
func New(w io.Writer, level string, nodeID party.ID) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).
		Level(lvl).
		With().
		Timestamp().
		Str("node_id", string(nodeID)).
		Logger()
}

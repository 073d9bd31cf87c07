// Package logger builds the zerolog root logger every pitboss component
// derives its own component-tagged logger from.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the verbosity and the output format.
type Config struct {
	Level  string // debug, info, warn, error; anything else falls back to info
	Pretty bool   // human-readable console output instead of JSON
}

// New builds the root logger. Output is JSON on stdout unless Pretty asks
// for the console writer.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pitboss").
		Logger()
}

// SetGlobalLogger points the zerolog package-level logger at l so stray
// log.Info() calls share the configured output.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

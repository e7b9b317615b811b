// Package logging configures zerolog for the command-line tools.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"judgeguard/internal/config"
)

// Verbosity adjusts the configured level from the command line.
type Verbosity int

const (
	Quiet   Verbosity = -1
	Normal  Verbosity = 0
	Verbose Verbosity = 1
)

// Setup builds the process logger, installs it as log.Logger and
// returns it tagged with the program name. Messages go to stderr, which
// the supervised command never shares.
func Setup(cfg config.LogConfig, program string, v Verbosity) zerolog.Logger {
	return setup(os.Stderr, cfg, program, v)
}

func setup(out io.Writer, cfg config.LogConfig, program string, v Verbosity) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	switch v {
	case Quiet:
		level = zerolog.ErrorLevel
	case Verbose:
		level = zerolog.DebugLevel
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("prog", program).Logger()
	log.Logger = logger
	return logger
}

package main

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds the process logger. Console output for interactive use,
// JSON when PROXY_LOG_FORMAT=json (the usual setting under systemd/docker).
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	if os.Getenv("PROXY_LOG_FORMAT") == "json" {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	out := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

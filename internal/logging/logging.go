// Package logging wraps zerolog behind a small constructor so every
// component logs the same way: leveled, structured, zero-PII by default.
// Raw IP/UA values must never be passed as fields unless the deployment
// explicitly enabled log_raw_pii; callers hash first (internal/hasher) and
// log the hash.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide root logger. level accepts zerolog level
// names ("debug", "info", "warn", "error"); unknown values fall back to
// info. When pretty is set (dev mode), output is console-formatted.
func New(level string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a disabled logger for tests and optional components.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

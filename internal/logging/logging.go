// Package logging provides the structured zerolog logger every other
// package in this module accepts (never a required dependency — a zero
// value Logger wraps zerolog.Nop() so library code stays usable without a
// caller opting into logging first).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a Logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the zerolog writer: json for log aggregation, console for
// a human running the demo locally.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures New. The zero value is Level "info", Format "json".
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger tagged with service=replicon, timestamped in
// RFC3339, writing to stdout either as JSON or as a console-formatted
// stream depending on Format.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}

	return zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", "replicon").
		Logger()
}

// Nop returns a logger that discards everything, the default for any
// struct that accepts an optional Logger but was never given one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// SkippedComponent logs a decode/apply path that §7 defines as "log and
// skip" rather than "abort the message": an unknown FnsId or a mapping miss
// for an otherwise well-formed packet.
func SkippedComponent(logger zerolog.Logger, reason string, fields map[string]any) {
	event := logger.Warn().Str("reason", reason)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("skipped component in replicated message")
}

// Error logs err with msg and the given context fields, matching the
// teacher's LogError shape (one Err() call plus a flat field bag, never
// fmt.Println/log.Print).
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

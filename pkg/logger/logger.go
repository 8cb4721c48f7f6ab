// Package logger provides structured, category-tagged logging on top of
// zerolog for the rest of the runtime.
package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Config controls the process-wide logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Empty means "info".
	Level string
	// JSON selects plain JSON output (production) over the console writer
	// (development). Defaults to false.
	JSON bool
}

// Init configures the global logger. Safe to call once at startup; later
// calls replace the previous configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	lvl := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}

	if cfg.JSON {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
		return
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(lvl)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func withFields(ev *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// DebugCF logs a categorized, structured debug line.
func DebugCF(category, message string, fields map[string]interface{}) {
	withFields(current().Debug().Str("cat", category), fields).Msg(message)
}

// InfoCF logs a categorized, structured info line.
func InfoCF(category, message string, fields map[string]interface{}) {
	withFields(current().Info().Str("cat", category), fields).Msg(message)
}

// WarnCF logs a categorized, structured warning line.
func WarnCF(category, message string, fields map[string]interface{}) {
	withFields(current().Warn().Str("cat", category), fields).Msg(message)
}

// ErrorCF logs a categorized, structured error line.
func ErrorCF(category, message string, fields map[string]interface{}) {
	withFields(current().Error().Str("cat", category), fields).Msg(message)
}

// Debug logs an unstructured debug line.
func Debug(format string, args ...interface{}) {
	current().Debug().Msgf(format, args...)
}

// Info logs an unstructured info line.
func Info(format string, args ...interface{}) {
	current().Info().Msgf(format, args...)
}

// Warn logs an unstructured warning line.
func Warn(format string, args ...interface{}) {
	current().Warn().Msgf(format, args...)
}

// Error logs an unstructured error line.
func Error(format string, args ...interface{}) {
	current().Error().Msgf(format, args...)
}

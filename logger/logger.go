// Package logger provides structured logging for the sync engine.
//
// Initialize once at startup, then take component loggers:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
//	log := logger.For("supervisor")
//	log.Info().Str("table", "messages").Msg("Subscribed")
//
// Until Initialize is called every logger writes console output to stderr at
// info level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/refillhub/refill-sync/config"
	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Initialize sets up the global logger. The returned file is non-nil when
// output goes to a log file and must be closed by the caller.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	var (
		out     io.Writer
		logFile *os.File
	)

	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		out = f
		logFile = f
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: logFile != nil}
	}

	l := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	Set(l)
	return logFile, nil
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Set replaces the global logger. Tests use it to capture output.
func Set(l zerolog.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// Get returns the global logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns a child logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}

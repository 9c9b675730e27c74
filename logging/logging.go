// Package logging configures structured logging on log/slog.
//
// Text output is colored with tint and meant for terminals; JSON output is
// meant for log collectors.
//
// Environment variables:
//
//	LOG_LEVEL: debug, info, warn, error (default: info)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Setup configures logging at the level specified by LOG_LEVEL (default: INFO).
func Setup() {
	SetupWithLevel(levelFromEnv())
}

// SetupWithLevel configures colored logging at the given level.
func SetupWithLevel(level slog.Level) {
	slog.SetDefault(New(os.Stderr, level, FormatText))
}

// New builds a logger writing to w in format.
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  true,
	}))
}

// Configure installs the default logger from a level name and format name.
// An empty level falls back to LOG_LEVEL.
func Configure(level, format string) error {
	lvl := levelFromEnv()
	if level != "" {
		var err error
		if lvl, err = ParseLevel(level); err != nil {
			return err
		}
	}
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	slog.SetDefault(New(os.Stderr, lvl, f))
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("logging: unknown format %q", s)
	}
}

func levelFromEnv() slog.Level {
	lvl, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

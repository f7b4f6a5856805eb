// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog logger from the environment. ANYCRAWL_LOG_FORMAT
// forces "text" or "json" output; unset, text is used when stdout is a
// terminal and json otherwise. ANYCRAWL_LOG_LEVEL sets the threshold,
// defaulting to info. Source locations are attached only at debug.
func New() *slog.Logger {
	level := Level(os.Getenv("ANYCRAWL_LOG_LEVEL"))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if textOutput(os.Getenv("ANYCRAWL_LOG_FORMAT")) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// SetDefault installs the environment-configured logger as the slog
// default and returns it.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

// Level maps a level name to its slog level. Unknown names and the empty
// string mean info.
func Level(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// textOutput decides between the text and json handlers: an explicit
// format wins, otherwise a terminal on stdout gets text.
func textOutput(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return true
	case "json":
		return false
	}
	stat, err := os.Stdout.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice != 0
}

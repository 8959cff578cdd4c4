// Package logger provides a thin wrapper around slog shared by the api and worker binaries.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide logger.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Setup replaces Logger with a handler honouring the given level and format ("text" or "json").
func Setup(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		Logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		return
	}
	Logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

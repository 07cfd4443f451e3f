package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger creates the daemon logger: text to stderr, and additionally
// JSON to a file when logFile is non-empty. Returns the logger and a
// cleanup function closing the file handle.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		slog.Warn("could not create log directory, logging to stderr only", "path", logFile, "error", err)
		return slog.New(stderrHandler), func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("could not open log file, logging to stderr only", "path", logFile, "error", err)
		return slog.New(stderrHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	return logger, file.Close
}

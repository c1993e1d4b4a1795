package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug|info|warn|error (any case) to a slog level. Unknown
// or empty input yields info and false.
func ParseLevel(level string) (slog.Level, bool) {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	var l slog.Level
	if level == "" || l.UnmarshalText([]byte(level)) != nil {
		return slog.LevelInfo, false
	}
	return l, true
}

// NewLogger builds a JSON logger writing to w. Every record carries the
// service name when one is given.
func NewLogger(w io.Writer, level, service string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: true}))
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// InitLogger installs a stdout JSON logger as the slog default.
func InitLogger(level, service string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, service)
	slog.SetDefault(logger)
	if _, ok := ParseLevel(level); !ok && strings.TrimSpace(level) != "" {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}

// Fatal logs msg at error level and exits the process.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	os.Exit(1)
}

// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// New returns a logger writing to w. level is one of debug, info, warn,
// error; format is text or json. Every record carries the instance id so
// lines from several replicas can be told apart.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("instance", uuid.NewString()[:8])
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// MaskAddress hides the local part of an address for logs:
// "alice@example.com" becomes "a***@example.com".
func MaskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

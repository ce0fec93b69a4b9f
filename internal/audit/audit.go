package audit

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	RefreshFromEnv()
}

// Set toggles audit logging.
func Set(v bool) {
	enabled.Store(v)
}

// Enabled reports whether audit logging is active.
func Enabled() bool {
	return enabled.Load()
}

// RefreshFromEnv re-reads MAILER_DEBUG.
func RefreshFromEnv() {
	Set(os.Getenv("MAILER_DEBUG") == "1")
}

// Log emits a per-attempt audit record at info level when MAILER_DEBUG=1 is
// set, so it shows without lowering the log level. Secrets must never be
// passed in args.
func Log(msg string, args ...any) {
	if !Enabled() {
		return
	}
	slog.Info("[AUDIT] "+msg, args...)
}

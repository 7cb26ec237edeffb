package logger

import (
	"log/slog"
	"os"
)

// Fatal logs at error level on the default logger and exits.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// FatalWithLogger logs on an explicit logger and exits; used during startup
// before slog's default has been swapped in.
func FatalWithLogger(log *slog.Logger, msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}

package util

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// ShouldUseColors decides whether to emit coloured output. NO_COLOR wins
// over everything (https://no-color.org/), then FORCE_COLOR and the
// connhive-specific override, then TTY detection.
func ShouldUseColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if v := os.Getenv("FORCE_COLOR"); v != "" {
		return v != "0"
	}
	if v := os.Getenv("CONNHIVE_FORCE_COLORS"); v != "" {
		return strings.EqualFold(v, "true")
	}
	return IsTerminal()
}

// Package format renders byte counts and durations for log output.
package format

import (
	"fmt"
	"time"
)

var byteUnits = [...]string{"KB", "MB", "GB", "TB", "PB"}

// Bytes renders n as a human-readable size with binary (1024) units.
func Bytes(n uint64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	value := float64(n) / 1024
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}

// Duration renders d compactly: sub-second values keep Go's native
// formatting, everything else collapses to h/m/s components.
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	total := int(d.Seconds())
	h, m, s := total/3600, (total/60)%60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// TimeAgo renders how long ago t was, or "never" for the zero time.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%.0fm ago", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.0fh ago", d.Hours())
	default:
		return fmt.Sprintf("%.0fd ago", d.Hours()/24)
	}
}

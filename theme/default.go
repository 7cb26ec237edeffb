// Package theme centralises terminal colour choices so the logger and the
// splash screen stay consistent across the default, dark and light variants.
package theme

import (
	"github.com/pterm/pterm"
)

// Theme is the colour scheme the styled logger draws from.
type Theme struct {
	// Log level styles
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style
	Fatal *pterm.Style

	// Component styles
	Success   *pterm.Style
	Highlight *pterm.Style
	Muted     *pterm.Style
	Accent    *pterm.Style

	// Domain styles
	Origin  *pterm.Style
	Numbers *pterm.Style
	Counts  *pterm.Style

	// Pool state colours
	StateLive     pterm.Color
	StateFallback pterm.Color
	StateClosed   pterm.Color
}

// palette is the small set of base colours a variant chooses; the full
// Theme is derived from it so the variants can't drift structurally.
type palette struct {
	info      pterm.Color
	warn      pterm.Color
	danger    pterm.Color
	highlight pterm.Color
	accent    pterm.Color
	origin    pterm.Color
	numbers   pterm.Color
	stateWarn pterm.Color
}

func (p palette) build() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(p.info),
		Warn:  pterm.NewStyle(p.warn, pterm.Bold),
		Error: pterm.NewStyle(p.danger, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:   pterm.NewStyle(p.info, pterm.Bold),
		Highlight: pterm.NewStyle(p.highlight, pterm.Bold),
		Muted:     pterm.NewStyle(pterm.FgGray),
		Accent:    pterm.NewStyle(p.accent),

		Origin:  pterm.NewStyle(p.origin, pterm.Bold),
		Numbers: pterm.NewStyle(p.numbers),
		Counts:  pterm.NewStyle(pterm.FgGray),

		StateLive:     p.info,
		StateFallback: p.stateWarn,
		StateClosed:   p.danger,
	}
}

// Default returns the standard theme.
func Default() *Theme {
	return palette{
		info:      pterm.FgGreen,
		warn:      pterm.FgYellow,
		danger:    pterm.FgRed,
		highlight: pterm.FgCyan,
		accent:    pterm.FgMagenta,
		origin:    pterm.FgCyan,
		numbers:   pterm.FgLightYellow,
		stateWarn: pterm.FgYellow,
	}.build()
}

// Dark returns a variant tuned for dark backgrounds.
func Dark() *Theme {
	return palette{
		info:      pterm.FgLightGreen,
		warn:      pterm.FgLightYellow,
		danger:    pterm.FgLightRed,
		highlight: pterm.FgLightCyan,
		accent:    pterm.FgLightMagenta,
		origin:    pterm.FgLightCyan,
		numbers:   pterm.FgLightYellow,
		stateWarn: pterm.FgLightYellow,
	}.build()
}

// Light returns a variant tuned for light backgrounds.
func Light() *Theme {
	return palette{
		info:      pterm.FgBlack,
		warn:      pterm.FgRed,
		danger:    pterm.FgRed,
		highlight: pterm.FgBlue,
		accent:    pterm.FgMagenta,
		origin:    pterm.FgBlue,
		numbers:   pterm.FgYellow,
		stateWarn: pterm.FgRed,
	}.build()
}

// GetTheme resolves a configured theme name, falling back to Default.
func GetTheme(name string) *Theme {
	switch name {
	case "dark":
		return Dark()
	case "light":
		return Light()
	default:
		return Default()
	}
}

// ColourSplash colours the splash screen banner.
func ColourSplash(message ...any) string {
	return pterm.LightGreen(message...)
}

// ColourVersion colours version numbers on the splash screen.
func ColourVersion(message ...any) string {
	return pterm.LightYellow(message...)
}

// StyleUrl colours URLs and hyperlinks.
func StyleUrl(message ...any) string {
	return pterm.LightBlue(message...)
}

// Hyperlink wraps text in an OSC 8 terminal hyperlink.
func Hyperlink(uri string, text string) string {
	return "\x1b]8;;" + uri + "\x07" + text + "\x1b]8;;\x07" + "\x1b[0m"
}

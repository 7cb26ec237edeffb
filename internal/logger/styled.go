// internal/logger/styled.go
package logger

import (
	"log/slog"

	"github.com/relaydeck/connhive/theme"
)

// PoolState is the coarse lifecycle state of an origin's pool, used purely
// for log colouring - it mirrors the states a queue.OriginQueue moves
// through but carries no behaviour of its own.
type PoolState int

const (
	PoolStateLive PoolState = iota
	PoolStateFallback
	PoolStateClosed
)

// LogContext carries a split of arguments: UserArgs go on the terse styled
// record; DetailedArgs, when present, produce a second, fuller record. Both
// records go to every attached handler, the terminal included.
type LogContext struct {
	UserArgs     []any
	DetailedArgs []any
}

// StyledLogger augments a plain slog.Logger with origin/pool-state aware
// formatting. Two implementations exist: PrettyStyledLogger (pterm colours,
// for an interactive terminal) and PlainStyledLogger (no escape codes, for
// files and non-TTY output). Which one backs a given logger is decided once,
// in NewWithTheme, from Config.PrettyLogs.
type StyledLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	InfoWithCount(msg string, count int, args ...any)
	InfoWithOrigin(msg string, origin string, args ...any)
	WarnWithOrigin(msg string, origin string, args ...any)
	ErrorWithOrigin(msg string, origin string, args ...any)
	InfoWithState(msg string, origin string, state PoolState, args ...any)

	InfoWithContext(msg string, origin string, ctx LogContext)
	WarnWithContext(msg string, origin string, ctx LogContext)
	ErrorWithContext(msg string, origin string, ctx LogContext)

	GetUnderlying() *slog.Logger
	With(args ...any) StyledLogger
	WithAttrs(attrs ...slog.Attr) StyledLogger
}

// NewWithTheme creates both a regular logger and a StyledLogger built on it.
func NewWithTheme(cfg *Config) (*slog.Logger, StyledLogger, func(), error) {
	base, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)

	var styled StyledLogger
	if cfg.PrettyLogs {
		styled = NewPrettyStyledLogger(base, appTheme)
	} else {
		styled = NewPlainStyledLogger(base)
	}

	return base, styled, cleanup, nil
}

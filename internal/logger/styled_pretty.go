package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/relaydeck/connhive/theme"
)

// PrettyStyledLogger implements StyledLogger with pterm formatting.
type PrettyStyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewPrettyStyledLogger(logger *slog.Logger, t *theme.Theme) *PrettyStyledLogger {
	return &PrettyStyledLogger{
		logger: logger,
		Theme:  t,
	}
}

func (sl *PrettyStyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *PrettyStyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *PrettyStyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *PrettyStyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *PrettyStyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Counts.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *PrettyStyledLogger) InfoWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Origin.Sprint(origin))
	sl.logger.Info(styledMsg, args...)
}

func (sl *PrettyStyledLogger) WarnWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Origin.Sprint(origin))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *PrettyStyledLogger) ErrorWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Origin.Sprint(origin))
	sl.logger.Error(styledMsg, args...)
}

func (sl *PrettyStyledLogger) InfoWithState(msg string, origin string, state PoolState, args ...any) {
	var colour pterm.Color
	var text string
	switch state {
	case PoolStateLive:
		colour, text = sl.Theme.StateLive, "live"
	case PoolStateFallback:
		colour, text = sl.Theme.StateFallback, "fallback"
	case PoolStateClosed:
		colour, text = sl.Theme.StateClosed, "closed"
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg, sl.Theme.Origin.Sprint(origin), colour.Sprint(text))
	sl.logger.Info(styledMsg, args...)
}

func (sl *PrettyStyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *PrettyStyledLogger) WithAttrs(attrs ...slog.Attr) StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &PrettyStyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func (sl *PrettyStyledLogger) With(args ...any) StyledLogger {
	return &PrettyStyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func (sl *PrettyStyledLogger) InfoWithContext(msg string, origin string, ctx LogContext) {
	sl.logWithContext(LogLevelInfo, msg, origin, ctx)
}

func (sl *PrettyStyledLogger) WarnWithContext(msg string, origin string, ctx LogContext) {
	sl.logWithContext(LogLevelWarn, msg, origin, ctx)
}

func (sl *PrettyStyledLogger) ErrorWithContext(msg string, origin string, ctx LogContext) {
	sl.logWithContext(LogLevelError, msg, origin, ctx)
}

// logWithContext logs a terse, styled line and, if any detailed args were
// supplied, a fuller plain-arg record; both go to every attached handler.
func (sl *PrettyStyledLogger) logWithContext(level string, msg string, origin string, ctx LogContext) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Origin.Sprint(origin))

	switch level {
	case LogLevelInfo:
		sl.logger.Info(styledMsg, ctx.UserArgs...)
	case LogLevelWarn:
		sl.logger.Warn(styledMsg, ctx.UserArgs...)
	case LogLevelError:
		sl.logger.Error(styledMsg, ctx.UserArgs...)
	}

	if len(ctx.DetailedArgs) > 0 {
		allArgs := make([]interface{}, 0, len(ctx.UserArgs)+len(ctx.DetailedArgs)+2)
		allArgs = append(allArgs, "origin", origin)
		allArgs = append(allArgs, ctx.UserArgs...)
		allArgs = append(allArgs, ctx.DetailedArgs...)

		detailedCtx := context.WithValue(context.Background(), DefaultDetailedCookie, true)

		switch level {
		case LogLevelInfo:
			sl.logger.InfoContext(detailedCtx, msg, allArgs...)
		case LogLevelWarn:
			sl.logger.WarnContext(detailedCtx, msg, allArgs...)
		case LogLevelError:
			sl.logger.ErrorContext(detailedCtx, msg, allArgs...)
		}
	}
}

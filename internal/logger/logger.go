package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaydeck/connhive/internal/util"
	"github.com/relaydeck/connhive/theme"
)

type Config struct {
	Level      string
	LogDir     string
	Theme      string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	FileOutput bool
	PrettyLogs bool
}

const (
	DefaultLogOutputName  = "connhive.log"
	DefaultDetailedCookie = "detailed"

	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarn    = "warn"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
	LogLevelFatal   = "fatal"
	LogLevelPanic   = "panic"
)

// New builds the base slog.Logger: a terminal handler (pterm when colours
// are usable, JSON otherwise) plus an optional lumberjack-rotated JSON file
// handler. The returned cleanup closes the file writer.
func New(cfg *Config) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)

	var handlers []slog.Handler
	if cfg.PrettyLogs {
		handlers = append(handlers, terminalHandler(level, theme.GetTheme(cfg.Theme)))
	} else {
		handlers = append(handlers, jsonHandler(os.Stdout, level))
	}

	cleanup := func() {}
	if cfg.FileOutput {
		fh, closeFile, err := fileHandler(cfg, level)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, fh)
		cleanup = closeFile
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), cleanup, nil
	}
	return slog.New(teeHandler(handlers)), cleanup, nil
}

func terminalHandler(level slog.Level, appTheme *theme.Theme) slog.Handler {
	if !util.ShouldUseColors() {
		return jsonHandler(os.Stdout, level)
	}

	p := pterm.DefaultLogger.
		WithLevel(ptermLevel(level)).
		WithWriter(os.Stdout).
		WithFormatter(pterm.LogFormatterColorful).
		WithKeyStyles(map[string]pterm.Style{
			"level": *appTheme.Info,
			"msg":   *appTheme.Info,
			"time":  *appTheme.Muted,
		})
	return pterm.NewSlogHandler(p)
}

func jsonHandler(w *os.File, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: scrubAttr,
	})
}

func fileHandler(cfg *Config, level slog.Level) (slog.Handler, func(), error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, DefaultLogOutputName),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}

	h := slog.NewJSONHandler(rotator, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: scrubAttr,
	})
	return h, func() { _ = rotator.Close() }, nil
}

// scrubAttr normalises timestamps and strips ANSI escapes that pretty
// terminal output may have leaked into attribute values, so file and JSON
// records stay machine-readable.
func scrubAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String("timestamp", a.Value.Time().Format("2006-01-02 15:04:05"))
	}

	switch a.Value.Kind() {
	case slog.KindString:
		if s := a.Value.String(); strings.ContainsRune(s, '\x1b') {
			return slog.String(a.Key, stripAnsiCodes(s))
		}
	case slog.KindAny:
	default:
		return slog.String(a.Key, fmt.Sprintf("%v", a.Value.Any()))
	}
	return a
}

// multiHandler fans each record out to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func teeHandler(handlers []slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, inner := range h.handlers {
		if inner.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, inner := range h.handlers {
		if inner.Enabled(ctx, record.Level) {
			if err := inner.Handle(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, inner := range h.handlers {
		next[i] = inner.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, inner := range h.handlers {
		next[i] = inner.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn, LogLevelWarning:
		return slog.LevelWarn
	case LogLevelError, LogLevelFatal, LogLevelPanic:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ptermLevel(level slog.Level) pterm.LogLevel {
	switch level {
	case slog.LevelDebug:
		return pterm.LogLevelTrace
	case slog.LevelWarn:
		return pterm.LogLevelWarn
	case slog.LevelError:
		return pterm.LogLevelError
	default:
		return pterm.LogLevelInfo
	}
}

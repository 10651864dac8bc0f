package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// LogFormat selects the handler used by NewLogger.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
	LogFormatAuto   LogFormat = "auto"
)

// NewLogger creates the process logger and installs it as slog's default.
// format "auto" picks the pretty handler when stdout is a terminal and JSON otherwise.
func NewLogger(level, format string) *slog.Logger {
	f, err := parseLogFormat(format)
	if err != nil {
		f = LogFormatAuto
	}
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	log := slog.New(newHandler(os.Stdout, parseLogLevel(level), f, tty))
	slog.SetDefault(log)
	return log
}

func newHandler(w io.Writer, lvl slog.Level, f LogFormat, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl, AddSource: true}
	if f == LogFormatPretty || (f == LogFormatAuto && tty) {
		return newPrettyHandler(w, opts, tty)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseLogFormat(format string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(format))); f {
	case LogFormatJSON, LogFormatPretty, LogFormatAuto:
		return f, nil
	case "":
		return LogFormatAuto, nil
	default:
		return "", fmt.Errorf("unknown log format %q", format)
	}
}

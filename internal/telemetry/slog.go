package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// processLevel is the level of the logger installed by SetupLogger. It can be
// changed at runtime with SetLogLevel.
var processLevel = new(slog.LevelVar)

// SetupLogger builds a logger from the logging configuration and installs it as
// the slog default, so slog.Info/Warn/Error calls anywhere in the process use it.
//
// format: "json" selects JSONHandler, anything else TextHandler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
// output: "stdout" (default), "stderr", or a file path opened for append.
//
// The returned closer releases the output file, if one was opened.
func SetupLogger(format, level, output string) (io.Closer, error) {
	w, closer, err := openLogOutput(output)
	if err != nil {
		return nil, err
	}

	processLevel.Set(parseLevel(level))
	logger := slog.New(newHandler(w, format, processLevel))
	slog.SetDefault(logger)
	logger.Info("logger initialised", "format", format, "level", parseLevel(level).String(), "output", output)
	return closer, nil
}

// SetLogLevel changes the level of the process logger without rebuilding it.
func SetLogLevel(level string) {
	lvl := parseLevel(level)
	if processLevel.Level() != lvl {
		processLevel.Set(lvl)
		slog.Info("log level changed", "level", lvl.String())
	}
}

// NewLogger returns a logger writing to w with the given format and level.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, parseLevel(level)))
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log output %q: %w", output, err)
	}
	return f, f, nil
}

// RedactEmail masks the local part of an address for log output:
// "pat@example.com" becomes "p***@example.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

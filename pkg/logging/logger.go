package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/config"
)

// Options describe how to configure a logger instance.
type Options struct {
	Level  string
	Format string
	Output io.Writer
	// File, when set, receives a copy of every record in addition to Output.
	File string
}

// New creates a structured logger backed by Go's slog package. The returned
// closer releases the optional log file and is never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, closer, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, closer, fmt.Errorf("open log file %q: %w", path, err)
		}
		out = io.MultiWriter(out, file)
		closer = file
	}

	handlerOpts := slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceTimeAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(out, &handlerOpts)
	case "console", "text":
		handler = slog.NewTextHandler(out, &handlerOpts)
	default:
		_ = closer.Close()
		return nil, nopCloser{}, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	return slog.New(handler), closer, nil
}

// Component scopes a logger to a named subsystem, tolerating a nil parent.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) (slog.Leveler, error) {
	normalized, err := config.NormalizeLogLevel(level)
	if err != nil {
		return nil, err
	}

	var lvl slog.Level
	switch normalized {
	case "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unhandled log level %q", normalized)
	}

	var levelVar slog.LevelVar
	levelVar.Set(lvl)
	return &levelVar, nil
}

func replaceTimeAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.TimeKey && attr.Value.Kind() == slog.KindTime {
		attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
	}
	return attr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the application logger described by c. The returned
// close function releases a log file, if one was opened.
func NewLogger(c LogConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Level)
	}

	var out io.Writer
	closeFn := func() error { return nil }
	switch c.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closeFn = f, f.Close
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: c.AddSource}
	var handler slog.Handler
	switch c.Format {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = closeFn()
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Format)
	}
	return slog.New(handler), closeFn, nil
}

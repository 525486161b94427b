// Package logging builds the slog loggers used by the wrapper: a diagnostic
// logger on stderr and an optional syslog sink for failure records.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string
	Output io.Writer
	// NoColor disables ANSI colours even on a terminal.
	NoColor bool
}

// New returns a logger writing to opts.Output (stderr when nil). Text output
// goes through tint, coloured only when the output is a terminal.
func New(opts Options) *slog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	if opts.Format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		NoColor:    opts.NoColor || !isTerminal(w),
	}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

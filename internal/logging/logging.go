package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// out is where Init writes; tests redirect it.
var out io.Writer = os.Stderr

// Init creates and sets the package-level default slog logger.
// When jsonOutput is true, uses JSONHandler on stderr (machine-collected
// logs, e.g. when running under OBS). Otherwise uses TextHandler on stderr
// for human readability.
func Init(jsonOutput bool, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to slog.Level.
// Unknown strings default to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

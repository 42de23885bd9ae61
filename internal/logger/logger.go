// Package logger builds the daemon-wide slog logger: leveled text output on
// stderr with short timestamps, optionally mirrored to a log file so a
// detached daemon leaves a tail behind. Subsystems take component-scoped
// children via For.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Log is the daemon-wide logger. Init replaces it; until then it writes to
// stderr at info, so early startup paths never log through a nil handler.
var Log = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures Log from the merged daemon config. An unknown level
// falls back to info; only a log-file open failure is an error.
func Init(level, logFile string) error {
	w := io.Writer(os.Stderr)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("logger: open %s: %w", logFile, err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	}))
	slog.SetDefault(Log)
	return nil
}

// For returns a child logger tagged with the subsystem it belongs to
// (sequencer, transport, checkpoint, ...), so one daemon log interleaving
// every collaborator stays greppable.
func For(component string) *slog.Logger {
	return Log.With("component", component)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

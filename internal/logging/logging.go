package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string
	// Format selects the stderr handler: "json", "text", or "auto"
	// (text when stderr is a terminal, json otherwise).
	Format string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr whether to also write to stderr (default: true).
	WriteToStderr bool
}

// DefaultConfig returns file logging defaults for the given role
// ("gateway" or "worker").
func DefaultConfig(role string) Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(role),
		Format:        "auto",
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// Setup initializes logging and returns the logger plus a cleanup function
// that flushes and closes the log file.
//
// The file always receives JSON lines (lorekeep-logs depends on that);
// only the stderr copy switches to the text handler on terminals.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)

	var fileWriter *RotatingWriter
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		fileWriter = w
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil && cfg.WriteToStderr:
		if useTextFormat(cfg.Format) {
			// Terminal sessions get readable text on stderr while the
			// file keeps machine-parseable JSON.
			handler = newFanoutHandler(
				slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: level}),
				slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
			)
		} else {
			out := io.MultiWriter(fileWriter, os.Stderr)
			handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
		}
	case fileWriter != nil:
		handler = slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: level})
	case useTextFormat(cfg.Format):
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)

	cleanup := func() {
		if fileWriter != nil {
			_ = fileWriter.Sync()
			_ = fileWriter.Close()
		}
	}

	return logger, cleanup, nil
}

// ForComponent returns a child logger tagged with a component attribute.
// Handlers, stores, and pipeline stages log through component loggers so
// lorekeep-logs can filter by subsystem.
func ForComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// useTextFormat decides whether the stderr handler is text.
func useTextFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text":
		return true
	case "json":
		return false
	default: // auto
		return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromString converts string level to slog.Level (used by the log viewer).
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}

package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the application logger.
type Options struct {
	// LogDir receives app.log; empty means stderr only.
	LogDir string
	// Level is the minimum level (default Info).
	Level slog.Level
	// JSON selects JSON output for the file log. Stderr is always text.
	JSON bool
}

// Setup installs the process-wide slog default: a redacting handler over
// stderr and, when LogDir is set, a size-rotated app.log.
func Setup(opts Options) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, err
		}
		fileSink := &lumberjack.Logger{
			Filename:   filepath.Join(opts.LogDir, "app.log"),
			MaxSize:    100, // MiB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, fileSink)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var inner slog.Handler
	if opts.JSON {
		inner = slog.NewJSONHandler(w, handlerOpts)
	} else {
		inner = slog.NewTextHandler(w, handlerOpts)
	}
	logger := slog.New(NewRedactingHandler(inner))
	slog.SetDefault(logger)
	return logger, nil
}

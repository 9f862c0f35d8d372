package app

import (
	"io"
	"log/slog"
)

// newLogger creates the run logger described by cfg. It does not set the
// global logger, so tests can run several apps side by side. Unknown levels
// fall back to info.
func newLogger(cfg *Config, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}

	// Subprocess output shares outW, so every log line names its source.
	return slog.New(handler).With("app", "burstgridci")
}

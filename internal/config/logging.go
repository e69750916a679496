package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from the global section. When a log
// file is configured, output goes through a rotating writer; otherwise it
// goes to stderr.
func (c *Configuration) NewLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Global.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   c.Global.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	var level slog.Level
	switch strings.ToUpper(c.Global.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

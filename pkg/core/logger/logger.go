package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// L is the process logger. It is usable before InitLogger runs.
var L = slog.Default()

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values
// report false and yield info.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// InitLogger installs a JSON logger on stdout as L and as the slog default.
// Call it once at startup, after loading config.
func InitLogger(level string) *slog.Logger {
	return InitLoggerTo(os.Stdout, level)
}

func InitLoggerTo(w io.Writer, levelStr string) *slog.Logger {
	level, ok := ParseLevel(levelStr)
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
	L = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(L)
	if !ok {
		L.Warn("invalid log level, defaulting to info", "configured", levelStr)
	}
	L.Debug("logger initialized", "level", level.String())
	return L
}

package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// attribute keys whose values never reach the log output
var redactedKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"password":      {},
	"private_key":   {},
}

// ParseLogLevel maps debug, info, warn and error (any case) to a slog level.
// Unknown input means info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// InitLogger installs a JSON slog logger on stdout as the default logger.
func InitLogger(level string) *slog.Logger {
	logger := NewLogger(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a JSON logger that masks credential-bearing attributes.
func NewLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLogLevel(level),
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
				return slog.String(a.Key, "[redacted]")
			}
			return a
		},
	})
	return slog.New(handler)
}

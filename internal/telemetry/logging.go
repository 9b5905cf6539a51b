package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/naia/internal/shared"
)

// LogFileName is the structured log of the shell host inside <home>/logs.
const LogFileName = "naia.jsonl"

// NewLogger writes JSON records to <home>/logs/naia.jsonl. When echo is
// non-nil every record is mirrored there too (stderr for an interactive run).
// level may be adjusted after construction to change verbosity live. Every
// record carries the session id attached to ctx.
func NewLogger(ctx context.Context, homeDir string, level *slog.LevelVar, echo io.Writer) (*slog.Logger, io.Closer, error) {
	file, err := openLog(homeDir, LogFileName)
	if err != nil {
		return nil, nil, err
	}

	if level == nil {
		level = new(slog.LevelVar)
	}
	var w io.Writer = file
	if echo != nil {
		w = io.MultiWriter(echo, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shared.SensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "shell", "session_id", shared.SessionID(ctx))
	return logger, file, nil
}

// OpenComponentLog opens <home>/logs/<component>.log for a child process's
// stdout and stderr.
func OpenComponentLog(homeDir, component string) (*os.File, error) {
	return openLog(homeDir, component+".log")
}

func openLog(homeDir, name string) (*os.File, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps config spellings onto slog levels; unknown values are info.
func ParseLevel(level string) slog.Level {
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

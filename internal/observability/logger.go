package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger builds a JSON logger writing to w and, when filePath is set, also
// appending NDJSON records to that file. The returned closer releases the file.
func NewLogger(w io.Writer, level slog.Level, filePath string) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: level}
	stdout := slog.NewJSONHandler(w, opts)

	if filePath == "" {
		return slog.New(stdout), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	handler := slogmulti.Fanout(stdout, slog.NewJSONHandler(f, opts))
	return slog.New(handler), f, nil
}

package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMetricsExposed(t *testing.T) {
	ChatRequestsTotal.WithLabelValues("stock-noob", "done").Inc()
	SandboxOperationsTotal.WithLabelValues("create", "ok").Inc()
	ToolExecutionsTotal.WithLabelValues("executeCode", "ok").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"quantchat_chat_requests_total",
		"quantchat_sandbox_operations_total",
		"quantchat_tool_executions_total",
		"quantchat_streams_active",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFansOutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "server.ndjson")

	logger, closer, err := NewLogger(&buf, slog.LevelInfo, path)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("Sandbox created", "sandbox_id", "sbx-1")
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for name, out := range map[string][]byte{"stdout": buf.Bytes(), "file": data} {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) != 1 {
			t.Fatalf("%s: got %d lines, want 1", name, len(lines))
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
			t.Fatalf("%s: invalid JSON: %v", name, err)
		}
		if rec["sandbox_id"] != "sbx-1" {
			t.Fatalf("%s: sandbox_id = %v", name, rec["sandbox_id"])
		}
	}
}

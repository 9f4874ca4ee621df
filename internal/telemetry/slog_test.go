package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// SetupLogger / NewLogger
// ---------------------------------------------------------------------------

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "warning", "error", "ERROR", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				if _, err := SetupLogger(format, level, "stdout"); err != nil {
					t.Errorf("SetupLogger(%q, %q) error: %v", format, level, err)
				}
			})
		}
	}
	// Restore a sensible default so other tests in this binary are unaffected.
	_, _ = SetupLogger("text", "error", "stderr")
}

func TestSetupLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	closer, err := SetupLogger("json", "info", path)
	if err != nil {
		t.Fatalf("SetupLogger() error: %v", err)
	}
	_ = closer.Close()
	t.Cleanup(func() { _, _ = SetupLogger("text", "error", "stderr") })

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "logger initialised") {
		t.Errorf("log file missing init record: %q", data)
	}
}

func TestSetupLogger_UnwritablePath(t *testing.T) {
	if _, err := SetupLogger("json", "info", filepath.Join(t.TempDir(), "missing", "app.log")); err == nil {
		t.Error("SetupLogger() expected error for unwritable path, got nil")
	}
}

func TestNewLogger_JSONFormat_ProducesValidJSON(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "json", "info").Info("test message", "key", "value")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("JSON output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "test message" {
		t.Errorf("expected msg=test message, got %v", obj["msg"])
	}
	if obj["key"] != "value" {
		t.Errorf("expected key=value, got %v", obj["key"])
	}
}

func TestNewLogger_TextFormat_ProducesKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "text", "info").Info("text test", "env", "development")

	if !strings.Contains(buf.String(), "env=development") {
		t.Errorf("text output does not contain env=development: %q", buf.String())
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should be suppressed") {
		t.Error("Info record appeared despite warn level")
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

// ---------------------------------------------------------------------------
// RedactEmail
// ---------------------------------------------------------------------------

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"pat@example.com", "p***@example.com"},
		{"a@b.io", "a***@b.io"},
		{"no-at-sign", "***"},
		{"@example.com", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetLogLevel_AppliesToProcessLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.log")
	closer, err := SetupLogger("text", "error", path)
	if err != nil {
		t.Fatalf("SetupLogger() error: %v", err)
	}
	t.Cleanup(func() {
		_ = closer.Close()
		_, _ = SetupLogger("text", "error", "stderr")
	})

	slog.Info("before change")
	SetLogLevel("info")
	slog.Info("after change")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "before change") {
		t.Error("info record written while level was error")
	}
	if !strings.Contains(string(data), "after change") {
		t.Error("info record missing after SetLogLevel(info)")
	}
}

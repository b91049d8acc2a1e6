package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("test message", "key", "value", "number", 42)

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output, got empty string")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(output), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log output: %v", err)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected 'time' field in JSON log")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
	if entry["number"] != float64(42) {
		t.Errorf("number = %v, want 42", entry["number"])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "text",
		Output: &buf,
	})

	logger.Info("hello")

	output := buf.String()
	if !strings.Contains(output, "msg=hello") {
		t.Errorf("Expected text format output, got %q", output)
	}
	if strings.HasPrefix(output, "{") {
		t.Errorf("Expected non-JSON output, got %q", output)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "warn",
		Format: "json",
		Output: &buf,
	})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("Expected debug and info to be suppressed, got %q", buf.String())
	}

	logger.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("Expected warn message to be written")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedactsBearerTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("session established", "auth", "bearer drt_0a1b2c3d4e5f6677")

	output := buf.String()
	if strings.Contains(output, "drt_0a1b2c3d4e5f6677") {
		t.Errorf("Expected bearer token to be redacted, got %q", output)
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Errorf("Expected [REDACTED] marker in output, got %q", output)
	}
}

func TestRedactsMessageText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Warn("refreshing token: abcdefgh12345678 before expiry")

	output := buf.String()
	if strings.Contains(output, "abcdefgh12345678") {
		t.Errorf("Expected token in message to be redacted, got %q", output)
	}
}

func TestRedactsErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	err := errors.New("authenticate: token abcdef1234567890 rejected")
	logger.Error("dial failed", "error", err)

	output := buf.String()
	if strings.Contains(output, "abcdef1234567890") {
		t.Errorf("Expected token in error to be redacted, got %q", output)
	}
	if !strings.Contains(output, "dial failed") {
		t.Errorf("Expected message to survive redaction, got %q", output)
	}
}

func TestRedactsPreboundAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	bound := logger.With("auth", "bearer secretsecret1234")
	bound.Info("tick")

	output := buf.String()
	if strings.Contains(output, "secretsecret1234") {
		t.Errorf("Expected pre-bound attribute to be redacted, got %q", output)
	}
}

func TestRedactsGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("dialing",
		slog.Group("session",
			slog.String("endpoint", "wss://tools.local/v1"),
			slog.String("auth", "bearer abcdefabcdef1234"),
		),
	)

	output := buf.String()
	if strings.Contains(output, "abcdefabcdef1234") {
		t.Errorf("Expected grouped attribute to be redacted, got %q", output)
	}
	if !strings.Contains(output, "wss://tools.local/v1") {
		t.Errorf("Expected benign attribute to survive, got %q", output)
	}
}

func TestRedactsCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "json",
		Output:         &buf,
		RedactPatterns: []string{`ssn-\d{9}`},
	})

	logger.Info("imported record", "subject", "ssn-123456789")

	output := buf.String()
	if strings.Contains(output, "ssn-123456789") {
		t.Errorf("Expected custom pattern match to be redacted, got %q", output)
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-42")
	if got := RunIDFromContext(ctx); got != "run-42" {
		t.Errorf("RunIDFromContext() = %q, want %q", got, "run-42")
	}
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("RunIDFromContext() without value = %q, want empty", got)
	}
}

func TestLoggerStampsRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := WithRunID(context.Background(), "run-42")
	logger.InfoContext(ctx, "starting turn")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log output: %v", err)
	}
	if entry["run_id"] != "run-42" {
		t.Errorf("run_id = %v, want %q", entry["run_id"], "run-42")
	}

	buf.Reset()
	logger.Info("outside any run")
	entry = map[string]any{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log output: %v", err)
	}
	if _, ok := entry["run_id"]; ok {
		t.Error("Expected no run_id outside a run context")
	}
}

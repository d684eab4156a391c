package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInitAndLogging(t *testing.T) {
	Init("debug", "json")

	if !L.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json")
	l.Info("decoded", slog.String("upload_key", "AbCdEfGhI"))

	out := buf.String()
	if !strings.Contains(out, `"upload_key":"AbCdEfGhI"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled at info level")
	}
}

func TestContextLogger(t *testing.T) {
	Init("info", "text")

	customLogger := L.With("request_id", "12345")
	ctx := WithContext(context.Background(), customLogger)
	if FromContext(ctx) != customLogger {
		t.Fatal("expected logger stored in context")
	}
	if FromContext(context.Background()) != L {
		t.Fatal("expected global logger as fallback")
	}

	fallback := Discard()
	if FromContextOr(context.Background(), fallback) != fallback {
		t.Fatal("expected explicit fallback")
	}
	if FromContextOr(ctx, fallback) != customLogger {
		t.Fatal("expected logger stored in context over fallback")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%s) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

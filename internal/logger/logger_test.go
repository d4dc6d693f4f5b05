package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.level, got, tt.expected)
		}
	}
}

func TestInitSetsLevel(t *testing.T) {
	Init("warn", "json")
	t.Cleanup(func() { Init("info", "json") })

	if L().Core().Enabled(zapcore.InfoLevel) {
		t.Error("Expected info to be disabled at warn level")
	}
	if !L().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("Expected error to be enabled at warn level")
	}

	// Must not panic with either encoder.
	Warn("warn message %d", 1)
	Init("debug", "text")
	Debug("debug message %s", "ok")
}

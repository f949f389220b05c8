package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, enc := range []string{"json", "console", "unknown"} {
		log, err := New("debug", enc)
		if err != nil {
			t.Fatalf("New(debug, %s) error = %v", enc, err)
		}
		if !log.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("encoding %s: expected debug level enabled", enc)
		}
	}
}

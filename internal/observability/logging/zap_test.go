package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level   string
		dev     bool
		enabled zapcore.Level
		off     zapcore.Level
	}{
		{"", false, zapcore.InfoLevel, zapcore.DebugLevel},
		{"debug", true, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", false, zapcore.WarnLevel, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := New("label-api", tt.dev, tt.level)
		if err != nil {
			t.Fatalf("%q: %v", tt.level, err)
		}
		if !logger.Core().Enabled(tt.enabled) {
			t.Errorf("%q: %s disabled", tt.level, tt.enabled)
		}
		if logger.Core().Enabled(tt.off) {
			t.Errorf("%q: %s enabled", tt.level, tt.off)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("label-api", false, "loud"); err == nil {
		t.Error("expected error")
	}
}

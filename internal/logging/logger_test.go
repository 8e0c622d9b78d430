package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	if err != nil {
		t.Fatal(err)
	}
	logger.Named("executor").Info("started", zap.Int("workers", 4))
	logger.Debug("hidden")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"message":"started"`, `"logger":"executor"`, `"workers":4`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug entry should be filtered at info level")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "chatty"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestDefaultConfig_UsesStderr(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.OutputPaths) != 1 || cfg.OutputPaths[0] != "stderr" {
		t.Errorf("OutputPaths = %v", cfg.OutputPaths)
	}
	if NewDefault() == nil {
		t.Error("NewDefault returned nil")
	}
}

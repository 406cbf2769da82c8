package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output stderr, got %s", cfg.Output)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"stdout text", Config{Level: LevelInfo, Format: FormatText, Output: "stdout"}, false},
		{"stderr json", Config{Level: LevelDebug, Format: FormatJSON, Output: "stderr"}, false},
		{"empty output", Config{Level: LevelWarn, Format: FormatText}, false},
		{"file output", Config{Level: LevelInfo, Format: FormatText, Output: filepath.Join(t.TempDir(), "logs", "app.log")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("Expected logger, got nil")
			}
		})
	}
}

func TestFileOutputCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "portscribe.log")
	logger, err := New(Config{Level: LevelInfo, Format: FormatText, Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("Expected log file to contain message, got %q", string(data))
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn message should be logged")
	}
}

func TestJSONFormatFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	logger.WithComponent("controller").WithJobID("job-1").InfoScan("Scan started", "example.com", "port_count", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	expected := map[string]any{
		"msg":        "Scan started",
		"component":  "controller",
		"job_id":     "job-1",
		"target":     "example.com",
		"port_count": float64(3),
	}
	for k, v := range expected {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatText}, &buf)

	logger.ErrorScan("Scan failed", "example.com", errors.New("broken pipe"))
	logger.ErrorSink("Failed to record finding", errors.New("db down"), "sink", "postgres")

	out := buf.String()
	for _, want := range []string{"target=example.com", "broken pipe", "component=sink", "db down", "sink=postgres"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestSetAndGetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf))

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")
	Default().WithTarget("target-a").Info("scan info")
	Default().ErrorScan("scan error", "target-b", errors.New("oops"))

	out := buf.String()
	for _, want := range []string{"debug message", "info message", "warn message", "error message", "target-a", "target-b"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected default logger output to contain %q", want)
		}
	}
}

func TestNewDiscard(t *testing.T) {
	logger := NewDiscard()
	logger.Error("nothing to see")
	if logger.WithTarget("x") == nil {
		t.Error("WithTarget should return a logger")
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  DefaultConfig(),
		},
		{
			name: "text format stdout",
			cfg:  Config{Level: "info", Format: "text", Output: "stdout"},
		},
		{
			name: "json format stderr",
			cfg:  Config{Level: "debug", Format: "json", Output: "stderr"},
		},
		{
			name: "warning level alias",
			cfg:  Config{Level: "warning", Format: "text", Output: "stdout"},
		},
		{
			name: "unknown level falls back to info",
			cfg:  Config{Level: "bogus", Format: "text", Output: "stdout"},
		},
		{
			name: "empty output defaults to stdout",
			cfg:  Config{Level: "warn", Format: "text"},
		},
		{
			name:    "unwritable file output",
			cfg:     Config{Level: "info", Format: "text", Output: "/nonexistent-dir/out.log"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("New() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := &Logger{Logger: slog.New(handler)}

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("visible warn")
	logger.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains filtered lines: %q", out)
	}
	if !strings.Contains(out, "visible warn") || !strings.Contains(out, "visible error") {
		t.Errorf("output missing expected lines: %q", out)
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	logger.WithError(errors.New("disk full")).Error("save failed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["error"] != "disk full" {
		t.Errorf("error attribute = %v, want %q", record["error"], "disk full")
	}

	// A nil error attaches nothing.
	buf.Reset()
	record = map[string]any{}
	logger.WithError(nil).Info("ok")
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if _, ok := record["error"]; ok {
		t.Error("WithError(nil) attached an error attribute")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	logger.WithFields("account", "personal", "unseen", 3).Info("mailbox checked")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["account"] != "personal" {
		t.Errorf("account = %v, want %q", record["account"], "personal")
	}
	if record["unseen"] != float64(3) {
		t.Errorf("unseen = %v, want 3", record["unseen"])
	}
}

func TestComponentHelpers(t *testing.T) {
	tests := []struct {
		name string
		get  func(*Logger) *Logger
		want string
	}{
		{"scheduler", (*Logger).Scheduler, "scheduler"},
		{"imap", (*Logger).IMAP, "imap"},
		{"delivery", (*Logger).Delivery, "delivery"},
		{"queue", (*Logger).Queue, "queue"},
		{"api", (*Logger).API, "api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

			tt.get(logger).Info("hello")

			var record map[string]any
			if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if record["component"] != tt.want {
				t.Errorf("component = %v, want %q", record["component"], tt.want)
			}
		})
	}
}

func TestFileOutputAndTimeFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, err := New(Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	logger.Info("timestamp check")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	ts, ok := record["time"].(string)
	if !ok {
		t.Fatalf("time attribute missing or not a string: %v", record["time"])
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("time %q is not RFC3339: %v", ts, err)
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

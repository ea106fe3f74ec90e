package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
}

func newTestSinks(t *testing.T, verbose bool) (*Sinks, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewSinks(dir, func() bool { return verbose })
	s.now = fixedNow
	return s, dir
}

func readSink(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func TestForward(t *testing.T) {
	s, dir := newTestSinks(t, false)

	s.Forward("Informe mensual", "Facturas", "admin@example.com")

	got := readSink(t, dir, ForwardLog)
	want := "[2025-03-14 09:26:53] Asunto: Informe mensual | Regla: Facturas | Destinatario: admin@example.com\n"
	if got != want {
		t.Errorf("forward line = %q, want %q", got, want)
	}
}

func TestError(t *testing.T) {
	s, dir := newTestSinks(t, false)

	s.Error("Error al reenviar correo a %s: %v", "x@y.com", "connection refused")

	got := readSink(t, dir, ErrorLog)
	want := "[2025-03-14 09:26:53] ERROR: Error al reenviar correo a x@y.com: connection refused\n"
	if got != want {
		t.Errorf("error line = %q, want %q", got, want)
	}
}

func TestTrace(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		s, dir := newTestSinks(t, true)
		s.Trace("Evaluando regla: '%s'", "Facturas")

		got := readSink(t, dir, TraceLog)
		want := "[2025-03-14 09:26:53] DEBUG: Evaluando regla: 'Facturas'\n"
		if got != want {
			t.Errorf("trace line = %q, want %q", got, want)
		}
	})

	t.Run("disabled writes nothing", func(t *testing.T) {
		s, dir := newTestSinks(t, false)
		s.Trace("should not appear")

		if _, err := os.Stat(filepath.Join(dir, TraceLog)); !os.IsNotExist(err) {
			t.Error("trace sink file exists despite verbose being off")
		}
	})

	t.Run("nil gate stays off", func(t *testing.T) {
		dir := t.TempDir()
		s := NewSinks(dir, nil)
		s.Trace("should not appear")

		if _, err := os.Stat(filepath.Join(dir, TraceLog)); !os.IsNotExist(err) {
			t.Error("trace sink file exists despite nil verbose gate")
		}
	})
}

func TestAppendAccumulates(t *testing.T) {
	s, dir := newTestSinks(t, false)

	s.Error("first")
	s.Error("second")

	got := readSink(t, dir, ErrorLog)
	if strings.Count(got, "\n") != 2 {
		t.Errorf("expected 2 lines, got %q", got)
	}
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("lines missing from sink: %q", got)
	}
}

func TestLines(t *testing.T) {
	s, _ := newTestSinks(t, true)
	s.Forward("a", "r", "d@e.com")
	s.Forward("b", "r", "d@e.com")
	s.Error("boom")
	s.Trace("detail")

	tests := []struct {
		name    string
		logType string
		want    int
		substr  string
	}{
		{"default is forward log", "", 2, "Asunto: a"},
		{"reenvios explicit", "reenvios", 2, "Asunto: b"},
		{"errores", "errores", 1, "ERROR: boom"},
		{"procesamiento", "procesamiento", 1, "DEBUG: detail"},
		{"unknown type falls back to forward log", "bogus", 2, "Asunto: a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := s.Lines(tt.logType)
			if err != nil {
				t.Fatalf("Lines() unexpected error: %v", err)
			}
			if len(lines) != tt.want {
				t.Fatalf("Lines() returned %d lines, want %d", len(lines), tt.want)
			}
			found := false
			for _, line := range lines {
				if !strings.HasSuffix(line, "\n") {
					t.Errorf("line %q lost its trailing newline", line)
				}
				if strings.Contains(line, tt.substr) {
					found = true
				}
			}
			if !found {
				t.Errorf("no line contains %q: %v", tt.substr, lines)
			}
		})
	}
}

func TestLinesMissingFile(t *testing.T) {
	s := NewSinks(t.TempDir(), nil)

	lines, err := s.Lines("errores")
	if err != nil {
		t.Fatalf("Lines() unexpected error: %v", err)
	}
	if lines == nil {
		t.Fatal("Lines() returned nil, want empty slice")
	}
	if len(lines) != 0 {
		t.Errorf("Lines() = %v, want empty", lines)
	}
}

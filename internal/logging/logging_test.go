package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("modelhist", "modelhist.log")) {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
	if cfg.MaxSizeMB <= 0 || cfg.MaxAgeDays <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive rotation limits, got %+v", cfg)
	}
}

func TestJSONOutputAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelDebug,
		Format:    FormatJSON,
		Writer:    &buf,
		Component: "test",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.ForStream("main").Debug("noted state", "to", 3, "key_hex", "00ff")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "noted state" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["stream_name"] != "main" {
		t.Errorf("missing stream attribute: %v", entry)
	}
	if entry["key_hex"] != "[REDACTED]" {
		t.Errorf("key_hex not redacted: %v", entry["key_hex"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("hidden")
	logger.WithComponent("store").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "component=store") {
		t.Errorf("missing component: %q", out)
	}
}

func TestRedactsJournalSecretOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("journal opened", "journal_key", "abcd", "stream", "main", "records", 3)

	out := buf.String()
	if strings.Contains(out, "abcd") {
		t.Errorf("journal key leaked: %q", out)
	}
	if !strings.Contains(out, "stream=main") || !strings.Contains(out, "records=3") {
		t.Errorf("ordinary attributes redacted: %q", out)
	}
}

func TestDiscardOutput(t *testing.T) {
	l, err := New(&Config{Output: "discard"})
	if err != nil {
		t.Fatal(err)
	}
	l.Error("dropped")
	if err := l.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestFileOutputClosesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "histctl.log")
	l, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: logPath})
	if err != nil {
		t.Fatal(err)
	}
	l.WithComponent("store").Info("snapshot saved", "id", 1)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "component=store") {
		t.Errorf("log file holds %q", data)
	}
}

func TestRotatingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	rf, err := OpenRotatingFile(&Config{FilePath: logPath, MaxSizeMB: 1, MaxAgeDays: 7, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer rf.Close()

	testData := []byte("test log line\n")
	n, err := rf.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestRotatingFileRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rf, err := OpenRotatingFile(&Config{FilePath: logPath, MaxSizeMB: 1, MaxAgeDays: 7, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	if _, err := rf.Write([]byte("before\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rf.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := rf.Write([]byte("after\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rotated, err := rf.Rotated()
	if err != nil {
		t.Fatalf("failed to list rotated files: %v", err)
	}
	if len(rotated) != 1 {
		t.Fatalf("expected one rotated file, got %v", rotated)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "after\n" {
		t.Errorf("current file holds %q", data)
	}
}

func TestOpenRotatingFileNeedsPath(t *testing.T) {
	if _, err := OpenRotatingFile(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

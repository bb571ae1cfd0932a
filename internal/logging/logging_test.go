package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
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
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v failed: %v %v", level, parsed, err)
		}
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
	if !strings.Contains(cfg.FilePath, "entropyguard") {
		t.Errorf("default log path should mention entropyguard: %s", cfg.FilePath)
	}
}

func TestJSONFormatAndComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.WithComponent("detector").Info("file scored", "path", "/data/a", "score", 7.9)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "file scored" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["component"] != "detector" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if entry["score"] != 7.9 {
		t.Errorf("unexpected score: %v", entry["score"])
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("ledger configured", "auth_token", "s3cr3t", "endpoint", "http://signer")

	out := buf.String()
	if strings.Contains(out, "s3cr3t") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, "http://signer") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	for _, key := range []string{"password", "AuthToken", "secret_path", "bearer"} {
		if !shouldRedact(key) {
			t.Errorf("expected %q to be redacted", key)
		}
	}
	for _, key := range []string{"path", "score", "submission_id", "device_id"} {
		if shouldRedact(key) {
			t.Errorf("expected %q not to be redacted", key)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agent.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = logPath

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	if err := logger.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing line: %s", data)
	}
}

func TestFileRotatorRotatesAndCompresses(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "agent.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 3,
		Compress:   true,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "agent-*.log.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 compressed backup, got %v", matches)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(line) {
		t.Errorf("backup has %d bytes, want %d", len(data), len(line))
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(line)) {
		t.Errorf("current log has %d bytes, want %d", info.Size(), len(line))
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "agent.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer rotator.Close()

	if _, err := rotator.Write([]byte("day one\n")); err != nil {
		t.Fatal(err)
	}
	next := time.Now().Add(24 * time.Hour)
	rotator.now = func() time.Time { return next }
	if _, err := rotator.Write([]byte("day two\n")); err != nil {
		t.Fatal(err)
	}

	files, err := rotator.GetLogFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("expected current file plus one backup, got %v", files)
	}
}

func TestCrashHandler(t *testing.T) {
	tmpDir := t.TempDir()
	var buf bytes.Buffer
	logger, err := New(&Config{Writer: &buf, Level: LevelInfo})
	if err != nil {
		t.Fatal(err)
	}

	handler := NewCrashHandler(tmpDir, "1.0.0", "dev-1", logger.Logger)
	panicked := handler.Recover(map[string]any{"op": "run"}, func() {
		panic("intentional test panic")
	})
	if !panicked {
		t.Fatal("expected Recover to report the panic")
	}

	reports, err := handler.CrashReports()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	r := reports[0]
	if r.PanicValue != "intentional test panic" || r.Version != "1.0.0" || r.DeviceID != "dev-1" {
		t.Errorf("unexpected report: %+v", r)
	}
	if r.Context["op"] != "run" {
		t.Errorf("unexpected context: %v", r.Context)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", buf.String())
	}

	if handler.Recover(nil, func() {}) {
		t.Error("Recover reported a panic for a clean function")
	}
}

func TestPruneCrashReports(t *testing.T) {
	tmpDir := t.TempDir()
	handler := NewCrashHandler(tmpDir, "1.0.0", "", nil)
	handler.HandlePanic("old", nil)

	files, _ := filepath.Glob(filepath.Join(tmpDir, "crash-*.json"))
	if len(files) != 1 {
		t.Fatalf("expected 1 crash file, got %d", len(files))
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(files[0], old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := handler.PruneCrashReports(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	DeviceID     string         `json:"device_id,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler writes crash dumps for recovered panics.
type CrashHandler struct {
	mu       sync.Mutex
	crashDir string
	version  string
	deviceID string
	logger   *slog.Logger
}

// NewCrashHandler creates a handler writing to crashDir.
func NewCrashHandler(crashDir, version, deviceID string, logger *slog.Logger) *CrashHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{
		crashDir: crashDir,
		version:  version,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Recover runs fn and converts a panic into a crash report. It reports
// whether fn panicked.
func (h *CrashHandler) Recover(contextInfo map[string]any, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, contextInfo)
			panicked = true
		}
	}()
	fn()
	return false
}

// HandlePanic records a panic value with the current stack.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		DeviceID:     h.deviceID,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Context:      contextInfo,
	}

	path, err := h.writeCrashDump(report)
	if err != nil {
		h.logger.Error("crash dump not written", "error", err, "panic", report.PanicValue)
		return report
	}
	h.logger.Error("panic recovered", "panic", report.PanicValue, "crash_dump", path)
	return report
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s.json", report.Timestamp.Format("20060102-150405.000000"))
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// CrashReports returns the reports in the crash directory.
func (h *CrashHandler) CrashReports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// PruneCrashReports removes reports older than maxAge.
func (h *CrashHandler) PruneCrashReports(maxAge time.Duration) (int, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(file) == nil {
			removed++
		}
	}
	return removed, nil
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENTROPYGUARD_DATA_DIR", "ENTROPYGUARD_WATCH_ROOT", "ENTROPYGUARD_DEVICE_ID",
		"ENTROPYGUARD_THRESHOLD", "ENTROPYGUARD_LEDGER_ENDPOINT", "ENTROPYGUARD_LEDGER_TOKEN",
		"ENTROPYGUARD_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Detection.Threshold != 7.5 {
		t.Errorf("expected threshold 7.5, got %v", cfg.Detection.Threshold)
	}
	if cfg.Detection.Cooldown() != 5*time.Minute {
		t.Errorf("expected 5m cooldown, got %v", cfg.Detection.Cooldown())
	}
	if cfg.BucketWidth() != cfg.Detection.Cooldown() {
		t.Errorf("bucket width should default to cooldown, got %v", cfg.BucketWidth())
	}
	if cfg.Sink.Type != "log" {
		t.Errorf("expected log sink by default, got %s", cfg.Sink.Type)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.DeviceID == "" {
		t.Error("device id should default to the hostname")
	}
	if host, err := os.Hostname(); err == nil && cfg.DeviceID != host {
		t.Errorf("expected device id %q, got %q", host, cfg.DeviceID)
	}
	if !strings.HasPrefix(cfg.Storage.Path, cfg.DataDir) {
		t.Errorf("storage path %s not under data dir %s", cfg.Storage.Path, cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "entropyguard") {
		t.Errorf("config path should contain entropyguard: %s", path)
	}
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENTROPYGUARD_DATA_DIR", dir)
	if got := DataDir(); got != dir {
		t.Errorf("expected %s, got %s", dir, got)
	}
	cfg := DefaultConfig()
	if cfg.Journal.Path != filepath.Join(dir, "journal.wal") {
		t.Errorf("journal path not under override: %s", cfg.Journal.Path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Detection.Threshold != 7.5 {
		t.Errorf("expected defaults, got threshold %v", cfg.Detection.Threshold)
	}
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
version = 1
device_id = "host-7"
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[watch]
root = "/srv/share"
debounce_ms = 250
exclude = ["*.log"]

[detection]
threshold = 7.8
cooldown_sec = 60

[sink]
type = "ledger"

[sink.ledger]
endpoint = "https://signer.internal:8545"
contract = "0xabc"
gas_limit = 210000
gas_price_gwei = 1.5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeviceID != "host-7" {
		t.Errorf("device id: got %s", cfg.DeviceID)
	}
	if cfg.Watch.Root != "/srv/share" || cfg.Watch.Debounce() != 250*time.Millisecond {
		t.Errorf("watch: got %+v", cfg.Watch)
	}
	if len(cfg.Watch.Exclude) != 1 || cfg.Watch.Exclude[0] != "*.log" {
		t.Errorf("exclude: got %v", cfg.Watch.Exclude)
	}
	if cfg.Detection.Threshold != 7.8 || cfg.BucketWidth() != time.Minute {
		t.Errorf("detection: got %+v", cfg.Detection)
	}
	if cfg.Sink.Ledger.GasLimit != 210000 || cfg.Sink.Ledger.Contract != "0xabc" {
		t.Errorf("ledger: got %+v", cfg.Sink.Ledger)
	}
	// unset fields keep their defaults
	if cfg.Sink.Ledger.ReportMethod != "reportInfection" {
		t.Errorf("report method default lost: %q", cfg.Sink.Ledger.ReportMethod)
	}
	// paths follow the configured data dir
	if cfg.Storage.Path != filepath.Join(dir, "data", "entropyguard.db") {
		t.Errorf("storage path not rebased: %s", cfg.Storage.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "device_id: y1\ndetection:\n  threshold: 7.2\nsink:\n  type: pubsub\n  pubsub:\n    project_id: p\n    topic_id: alerts\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.DeviceID != "y1" || cfg.Detection.Threshold != 7.2 || cfg.Sink.PubSub.TopicID != "alerts" {
		t.Errorf("yaml: got %+v", cfg)
	}
	if !cfg.Sink.PubSub.Ordered {
		t.Error("pubsub ordering default lost")
	}

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"device_id":"j1","retry":{"max_attempts":3}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if cfg.DeviceID != "j1" || cfg.Retry.MaxAttempts != 3 || cfg.Retry.Multiplier != 2 {
		t.Errorf("json: got %+v", cfg.Retry)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[watch\nroot="), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTROPYGUARD_WATCH_ROOT", "/mnt/data")
	t.Setenv("ENTROPYGUARD_DEVICE_ID", "env-device")
	t.Setenv("ENTROPYGUARD_THRESHOLD", "7.9")
	t.Setenv("ENTROPYGUARD_LEDGER_ENDPOINT", "http://localhost:8545")
	t.Setenv("ENTROPYGUARD_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Watch.Root != "/mnt/data" {
		t.Errorf("root: %s", cfg.Watch.Root)
	}
	if cfg.DeviceID != "env-device" {
		t.Errorf("device: %s", cfg.DeviceID)
	}
	if cfg.Detection.Threshold != 7.9 {
		t.Errorf("threshold: %v", cfg.Detection.Threshold)
	}
	if cfg.Sink.Ledger.Endpoint != "http://localhost:8545" {
		t.Errorf("endpoint: %s", cfg.Sink.Ledger.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level: %s", cfg.Logging.Level)
	}
}

func TestEnvThresholdIgnoresGarbage(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTROPYGUARD_THRESHOLD", "high")
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Detection.Threshold != 7.5 {
		t.Errorf("expected default threshold, got %v", cfg.Detection.Threshold)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.Detection.Threshold = 9
	cfg.Sink.Type = "ledger"
	cfg.Sink.Ledger.Endpoint = "not a url"
	cfg.Storage.Type = "postgres"
	cfg.Logging.Level = "loud"
	cfg.Watch.Exclude = []string{"[unterminated"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	want := []string{"watch.exclude[0]", "detection.threshold", "sink.ledger.endpoint", "storage.type", "logging.level"}
	got := strings.Join(verrs.Fields(), ",")
	for _, f := range want {
		if !strings.Contains(got, f) {
			t.Errorf("missing %s in %s", f, got)
		}
	}
}

func TestValidateRejectsNonPositiveThreshold(t *testing.T) {
	clearEnv(t)
	for _, th := range []float64{0, -2} {
		cfg := DefaultConfig()
		cfg.Detection.Threshold = th

		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "detection.threshold") {
			t.Errorf("threshold %v: expected range error, got %v", th, err)
		}
	}
}

func TestValidateMaxWait(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.Watch.DebounceMs = 500
	cfg.Watch.MaxWaitMs = 2000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid max wait rejected: %v", err)
	}
	if cfg.Watch.MaxWait() != 2*time.Second {
		t.Errorf("MaxWait: %v", cfg.Watch.MaxWait())
	}

	for _, n := range []int{-1, 100} {
		cfg.Watch.MaxWaitMs = n
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "watch.max_wait_ms") {
			t.Errorf("max_wait_ms %d: expected error, got %v", n, err)
		}
	}
}

func TestValidatePubSubRequiresTopic(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.Sink.Type = "pubsub"
	cfg.Sink.PubSub.ProjectID = "proj"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sink.pubsub.topic_id") {
		t.Errorf("expected topic error, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	for _, name := range []string{"config.toml", "config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DeviceID = "saved"
			cfg.Watch.Root = "/data"
			cfg.Sink.Ledger.GasPriceGwei = 2.25

			path := filepath.Join(dir, name)
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.DeviceID != "saved" || loaded.Watch.Root != "/data" || loaded.Sink.Ledger.GasPriceGwei != 2.25 {
				t.Errorf("round trip mismatch: %+v", loaded)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "eg")
	t.Setenv("ENTROPYGUARD_DATA_DIR", dir)
	cfg := DefaultConfig()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
}

// Package config handles configuration loading, validation, and management
// for entropyguard.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"entropyguard/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DeviceID identifies this host in alert records. Defaults to the
	// hostname.
	DeviceID string `toml:"device_id" json:"device_id" yaml:"device_id"`

	// DataDir holds the database, journal, secrets and exports.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	Watch      WatchConfig      `toml:"watch" json:"watch" yaml:"watch"`
	Sampler    SamplerConfig    `toml:"sampler" json:"sampler" yaml:"sampler"`
	Detection  DetectionConfig  `toml:"detection" json:"detection" yaml:"detection"`
	Sink       SinkConfig       `toml:"sink" json:"sink" yaml:"sink"`
	Retry      RetryConfig      `toml:"retry" json:"retry" yaml:"retry"`
	Storage    StorageConfig    `toml:"storage" json:"storage" yaml:"storage"`
	Journal    JournalConfig    `toml:"journal" json:"journal" yaml:"journal"`
	DeadLetter DeadLetterConfig `toml:"deadletter" json:"deadletter" yaml:"deadletter"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// WatchConfig holds file watching configuration.
type WatchConfig struct {
	// Root is the directory tree to monitor.
	Root string `toml:"root" json:"root" yaml:"root"`

	// DebounceMs coalesces bursts of writes to one path.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MaxWaitMs forces a path out of debounce after this long even while
	// writes continue. Zero means four debounce windows.
	MaxWaitMs int `toml:"max_wait_ms" json:"max_wait_ms" yaml:"max_wait_ms"`

	// Exclude are glob patterns matched against every path component
	// below the root. Matching directories are not watched.
	Exclude []string `toml:"exclude" json:"exclude" yaml:"exclude"`

	// Ignore are paths whose events are dropped, such as our own data dir.
	Ignore []string `toml:"ignore" json:"ignore" yaml:"ignore"`

	HeartbeatSec       int `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
	MaxResubscribes    int `toml:"max_resubscribes" json:"max_resubscribes" yaml:"max_resubscribes"`
	ResubscribeDelayMs int `toml:"resubscribe_delay_ms" json:"resubscribe_delay_ms" yaml:"resubscribe_delay_ms"`
	Buffer             int `toml:"buffer" json:"buffer" yaml:"buffer"`
}

// SamplerConfig holds content sampling configuration.
type SamplerConfig struct {
	// MaxBytes caps how much of a file is read. Larger files are scored on
	// the prefix and marked partial.
	MaxBytes  int64 `toml:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
	Attempts  int   `toml:"attempts" json:"attempts" yaml:"attempts"`
	BackoffMs int   `toml:"backoff_ms" json:"backoff_ms" yaml:"backoff_ms"`
	Resamples int   `toml:"resamples" json:"resamples" yaml:"resamples"`
}

// DetectionConfig holds classification configuration.
type DetectionConfig struct {
	// Threshold in bits per byte above which a file is suspicious.
	// 7.5 is a starting point; tune it per fleet.
	Threshold   float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
	CooldownSec int     `toml:"cooldown_sec" json:"cooldown_sec" yaml:"cooldown_sec"`
	Workers     int     `toml:"workers" json:"workers" yaml:"workers"`
	QueueSize   int     `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
	GraceSec    int     `toml:"grace_sec" json:"grace_sec" yaml:"grace_sec"`
}

// SinkConfig selects and configures the alert destination.
type SinkConfig struct {
	// Type is "ledger", "pubsub" or "log".
	Type string `toml:"type" json:"type" yaml:"type"`

	// BucketSec is the idempotency bucket width. Zero uses the cooldown.
	BucketSec int `toml:"bucket_sec" json:"bucket_sec" yaml:"bucket_sec"`

	// RateLimit is the sustained submissions per second; zero disables.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst" yaml:"burst"`

	Ledger LedgerConfig `toml:"ledger" json:"ledger" yaml:"ledger"`
	PubSub PubSubConfig `toml:"pubsub" json:"pubsub" yaml:"pubsub"`
}

// LedgerConfig configures the JSON-RPC ledger signer.
type LedgerConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// AuthToken is sent as a bearer token. Prefer the environment.
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`

	TimeoutSec   int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	ReportMethod string `toml:"report_method" json:"report_method" yaml:"report_method"`
	StatusMethod string `toml:"status_method" json:"status_method" yaml:"status_method"`

	// Contract, GasLimit and GasPriceGwei are forwarded to the signer
	// unchanged.
	Contract     string  `toml:"contract" json:"contract" yaml:"contract"`
	GasLimit     uint64  `toml:"gas_limit" json:"gas_limit" yaml:"gas_limit"`
	GasPriceGwei float64 `toml:"gas_price_gwei" json:"gas_price_gwei" yaml:"gas_price_gwei"`

	ConfirmTimeoutSec int `toml:"confirm_timeout_sec" json:"confirm_timeout_sec" yaml:"confirm_timeout_sec"`
	PollIntervalMs    int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	DuplicateCode     int `toml:"duplicate_code" json:"duplicate_code" yaml:"duplicate_code"`
}

// PubSubConfig configures the Pub/Sub topic sink.
type PubSubConfig struct {
	ProjectID string `toml:"project_id" json:"project_id" yaml:"project_id"`
	TopicID   string `toml:"topic_id" json:"topic_id" yaml:"topic_id"`
	Ordered   bool   `toml:"ordered" json:"ordered" yaml:"ordered"`
}

// RetryConfig bounds retries of transient submission failures.
type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int     `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
	MaxDelayMs  int     `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`
}

// JournalConfig configures the tamper-evident alert journal.
type JournalConfig struct {
	Enabled      bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path         string `toml:"path" json:"path" yaml:"path"`
	SecretPath   string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
	HeartbeatSec int    `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
}

// DeadLetterConfig configures redrive and export of failed submissions.
type DeadLetterConfig struct {
	// RedriveIntervalSec is how often transient dead letters are
	// resubmitted during run. Zero disables the loop.
	RedriveIntervalSec int `toml:"redrive_interval_sec" json:"redrive_interval_sec" yaml:"redrive_interval_sec"`

	// ExportDir receives exports when S3 is not configured.
	ExportDir string `toml:"export_dir" json:"export_dir" yaml:"export_dir"`

	S3 S3Config `toml:"s3" json:"s3" yaml:"s3"`
}

// S3Config configures export to S3.
type S3Config struct {
	Bucket     string `toml:"bucket" json:"bucket" yaml:"bucket"`
	Region     string `toml:"region" json:"region" yaml:"region"`
	Prefix     string `toml:"prefix" json:"prefix" yaml:"prefix"`
	Endpoint   string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	TimeoutSec int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	Retries    int    `toml:"retries" json:"retries" yaml:"retries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return defaultsFor(dir)
}

func defaultsFor(dir string) *Config {
	return &Config{
		Version:  Version,
		DeviceID: defaultDeviceID(),
		DataDir:  dir,
		Watch: WatchConfig{
			DebounceMs:         500,
			Exclude:            DefaultExcludePatterns(),
			HeartbeatSec:       5,
			MaxResubscribes:    5,
			ResubscribeDelayMs: 1000,
			Buffer:             256,
		},
		Sampler: SamplerConfig{
			MaxBytes:  8 << 20,
			Attempts:  3,
			BackoffMs: 50,
			Resamples: 1,
		},
		Detection: DetectionConfig{
			Threshold:   7.5,
			CooldownSec: 300,
			QueueSize:   64,
			GraceSec:    10,
		},
		Sink: SinkConfig{
			Type:  "log",
			Burst: 10,
			Ledger: LedgerConfig{
				TimeoutSec:        30,
				ReportMethod:      "reportInfection",
				StatusMethod:      "getSubmission",
				ConfirmTimeoutSec: 120,
				PollIntervalMs:    2000,
				DuplicateCode:     -32010,
			},
			PubSub: PubSubConfig{Ordered: true},
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMs: 500,
			Multiplier:  2,
			MaxDelayMs:  30000,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join(dir, "entropyguard.db"),
		},
		Journal: JournalConfig{
			Enabled:      true,
			Path:         filepath.Join(dir, "journal.wal"),
			SecretPath:   filepath.Join(dir, "journal.key"),
			HeartbeatSec: 300,
		},
		DeadLetter: DeadLetterConfig{
			RedriveIntervalSec: 600,
			ExportDir:          filepath.Join(dir, "exports"),
			S3: S3Config{
				Prefix:     "entropyguard",
				TimeoutSec: 30,
				Retries:    3,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "entropyguard.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-device"
	}
	return host
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory.
// Uses platform-specific paths or the ENTROPYGUARD_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv("ENTROPYGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	before := cfg.DataDir

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}

	if cfg.DataDir != before {
		cfg.rebaseDataDir(before)
	}
	return nil
}

// rebaseDataDir moves paths still pointing into the old default data dir
// under the configured one.
func (c *Config) rebaseDataDir(old string) {
	rebase := func(p *string) {
		if rel, err := filepath.Rel(old, *p); err == nil && !strings.HasPrefix(rel, "..") {
			*p = filepath.Join(c.DataDir, rel)
		}
	}
	rebase(&c.Storage.Path)
	rebase(&c.Journal.Path)
	rebase(&c.Journal.SecretPath)
	rebase(&c.DeadLetter.ExportDir)
	rebase(&c.Logging.FilePath)
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with ENTROPYGUARD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ENTROPYGUARD_DATA_DIR"); v != "" && v != c.DataDir {
		old := c.DataDir
		c.DataDir = v
		c.rebaseDataDir(old)
	}
	if v := os.Getenv("ENTROPYGUARD_WATCH_ROOT"); v != "" {
		c.Watch.Root = v
	}
	if v := os.Getenv("ENTROPYGUARD_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv("ENTROPYGUARD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Detection.Threshold = f
		}
	}
	if v := os.Getenv("ENTROPYGUARD_LEDGER_ENDPOINT"); v != "" {
		c.Sink.Ledger.Endpoint = v
	}
	if v := os.Getenv("ENTROPYGUARD_LEDGER_TOKEN"); v != "" {
		c.Sink.Ledger.AuthToken = v
	}
	if v := os.Getenv("ENTROPYGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the agent writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path), filepath.Dir(c.Journal.SecretPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := security.EnsureSecureDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration to path in the format implied by its
// extension, TOML by default.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// auth tokens may be present
	if err := security.WriteSecretFile(path, data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Duration helpers. Config stays in plain integers like the file format.

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (w WatchConfig) Debounce() time.Duration { return ms(w.DebounceMs) }

// MaxWait returns the debounce max wait; zero selects the watcher default.
func (w WatchConfig) MaxWait() time.Duration { return ms(w.MaxWaitMs) }
func (w WatchConfig) Heartbeat() time.Duration { return sec(w.HeartbeatSec) }
func (w WatchConfig) ResubscribeDelay() time.Duration { return ms(w.ResubscribeDelayMs) }
func (s SamplerConfig) Backoff() time.Duration { return ms(s.BackoffMs) }
func (d DetectionConfig) Cooldown() time.Duration { return sec(d.CooldownSec) }
func (d DetectionConfig) Grace() time.Duration { return sec(d.GraceSec) }
func (l LedgerConfig) Timeout() time.Duration { return sec(l.TimeoutSec) }
func (l LedgerConfig) ConfirmTimeout() time.Duration { return sec(l.ConfirmTimeoutSec) }
func (l LedgerConfig) PollInterval() time.Duration { return ms(l.PollIntervalMs) }
func (r RetryConfig) BaseDelay() time.Duration { return ms(r.BaseDelayMs) }
func (r RetryConfig) MaxDelay() time.Duration { return ms(r.MaxDelayMs) }
func (j JournalConfig) Heartbeat() time.Duration { return sec(j.HeartbeatSec) }
func (d DeadLetterConfig) RedriveInterval() time.Duration { return sec(d.RedriveIntervalSec) }
func (s S3Config) Timeout() time.Duration { return sec(s.TimeoutSec) }

// BucketWidth returns the idempotency bucket width, defaulting to the
// detection cooldown.
func (c *Config) BucketWidth() time.Duration {
	if c.Sink.BucketSec > 0 {
		return sec(c.Sink.BucketSec)
	}
	return c.Detection.Cooldown()
}

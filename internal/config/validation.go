package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ValidateConfig performs validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, ValidationError{Field: "device_id", Message: "device id is required"})
	}
	if c.DataDir == "" {
		errs = append(errs, ValidationError{Field: "data_dir", Message: "data directory is required"})
	}

	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateSampler(&c.Sampler)...)
	errs = append(errs, validateDetection(&c.Detection)...)
	errs = append(errs, validateSink(&c.Sink)...)
	errs = append(errs, validateRetry(&c.Retry)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateDeadLetter(&c.DeadLetter)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if w.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce cannot be negative",
		})
	}
	if w.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}
	if w.MaxWaitMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.max_wait_ms",
			Message: "max wait cannot be negative",
		})
	}
	if w.MaxWaitMs > 0 && w.MaxWaitMs < w.DebounceMs {
		errs = append(errs, ValidationError{
			Field:   "watch.max_wait_ms",
			Message: "max wait cannot be shorter than the debounce window",
		})
	}
	if w.MaxResubscribes < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.max_resubscribes",
			Message: "max resubscribes cannot be negative",
		})
	}

	for i, pattern := range w.Exclude {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.exclude[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}

	return errs
}

func validateSampler(s *SamplerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MaxBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "sampler.max_bytes",
			Message: "max bytes cannot be negative",
		})
	}
	if s.Attempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "sampler.attempts",
			Message: "attempts must be at least 1",
		})
	}
	if s.Resamples < 0 {
		errs = append(errs, ValidationError{
			Field:   "sampler.resamples",
			Message: "resamples cannot be negative",
		})
	}

	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Threshold <= 0 || d.Threshold > 8 {
		errs = append(errs, *RangeError("detection.threshold", "0 (exclusive)", 8))
	}
	if d.CooldownSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.cooldown_sec",
			Message: "cooldown cannot be negative",
		})
	}
	if d.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.workers",
			Message: "workers cannot be negative",
		})
	}
	if d.QueueSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.queue_size",
			Message: "queue size cannot be negative",
		})
	}
	if d.GraceSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.grace_sec",
			Message: "grace period cannot be negative",
		})
	}

	return errs
}

func validateSink(s *SinkConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "ledger":
		if !isValidURL(s.Ledger.Endpoint) {
			errs = append(errs, ValidationError{
				Field:   "sink.ledger.endpoint",
				Message: fmt.Sprintf("a valid http(s) endpoint is required, got %q", s.Ledger.Endpoint),
			})
		}
		if s.Ledger.GasPriceGwei < 0 {
			errs = append(errs, ValidationError{
				Field:   "sink.ledger.gas_price_gwei",
				Message: "gas price cannot be negative",
			})
		}
		if s.Ledger.PollIntervalMs < 0 || s.Ledger.ConfirmTimeoutSec < 0 || s.Ledger.TimeoutSec < 0 {
			errs = append(errs, ValidationError{
				Field:   "sink.ledger",
				Message: "timeouts and poll interval cannot be negative",
			})
		}
	case "pubsub":
		if s.PubSub.ProjectID == "" {
			errs = append(errs, *RequiredFieldError("sink.pubsub.project_id"))
		}
		if s.PubSub.TopicID == "" {
			errs = append(errs, *RequiredFieldError("sink.pubsub.topic_id"))
		}
	case "log":
	default:
		errs = append(errs, ValidationError{
			Field:   "sink.type",
			Message: fmt.Sprintf("invalid sink type: %s (valid: ledger, pubsub, log)", s.Type),
		})
	}

	if s.BucketSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "sink.bucket_sec",
			Message: "bucket width cannot be negative",
		})
	}
	if s.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "sink.rate_limit",
			Message: "rate limit cannot be negative",
		})
	}
	if s.RateLimit > 0 && s.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "sink.burst",
			Message: "burst must be at least 1 when rate limiting",
		})
	}

	return errs
}

func validateRetry(r *RetryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.MaxAttempts < 1 || r.MaxAttempts > 100 {
		errs = append(errs, *RangeError("retry.max_attempts", 1, 100))
	}
	if r.Multiplier < 1 {
		errs = append(errs, ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be at least 1",
		})
	}
	if r.BaseDelayMs < 0 || r.MaxDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry",
			Message: "delays cannot be negative",
		})
	}
	if r.MaxDelayMs > 0 && r.BaseDelayMs > r.MaxDelayMs {
		errs = append(errs, ValidationError{
			Field:   "retry.base_delay_ms",
			Message: "base delay cannot exceed max delay",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}
	if j.Path == "" {
		errs = append(errs, *RequiredFieldError("journal.path"))
	}
	if j.SecretPath == "" {
		errs = append(errs, *RequiredFieldError("journal.secret_path"))
	}
	if j.HeartbeatSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.heartbeat_sec",
			Message: "heartbeat interval cannot be negative",
		})
	}

	return errs
}

func validateDeadLetter(d *DeadLetterConfig) ValidationErrors {
	var errs ValidationErrors

	if d.RedriveIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "deadletter.redrive_interval_sec",
			Message: "redrive interval cannot be negative",
		})
	}
	if d.S3.Bucket == "" && d.ExportDir == "" {
		errs = append(errs, ValidationError{
			Field:   "deadletter.export_dir",
			Message: "an export directory or S3 bucket is required",
		})
	}
	if d.S3.Endpoint != "" && !isValidURL(d.S3.Endpoint) {
		errs = append(errs, ValidationError{
			Field:   "deadletter.s3.endpoint",
			Message: fmt.Sprintf("invalid endpoint URL: %s", d.S3.Endpoint),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled && m.Addr == "" {
		errs = append(errs, *RequiredFieldError("metrics.addr"))
	}

	return errs
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

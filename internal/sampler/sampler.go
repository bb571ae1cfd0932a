// Package sampler reads file content for entropy scoring.
//
// A Sample is always a consistent read: the file's size and modification time
// must agree before and after the read. Files that keep changing are
// re-sampled a bounded number of times and then reported as Partial rather
// than scored from torn content. Files larger than MaxBytes are sampled from
// the start and flagged Partial, trading detection confidence for latency.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"entropyguard/internal/security"
)

// Defaults used when Config fields are zero.
const (
	DefaultMaxBytes  = 8 << 20
	DefaultAttempts  = 3
	DefaultBackoff   = 50 * time.Millisecond
	DefaultResamples = 1
)

// Config controls sampling limits and retry behaviour.
type Config struct {
	// MaxBytes caps how much of a file is read. Zero selects DefaultMaxBytes,
	// a negative value disables the cap.
	MaxBytes int64

	// Attempts bounds reads of a locked or otherwise unreadable file.
	Attempts int

	// Backoff is the initial delay between attempts; it doubles each retry.
	Backoff time.Duration

	// Resamples bounds re-reads of a file that changed during the read.
	Resamples int
}

// DefaultConfig returns the default sampler configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  DefaultMaxBytes,
		Attempts:  DefaultAttempts,
		Backoff:   DefaultBackoff,
		Resamples: DefaultResamples,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Resamples < 0 {
		c.Resamples = 0
	}
	return c
}

// Sample is the content of one file captured at a single instant.
type Sample struct {
	Path     string
	Bytes    []byte
	Size     int64 // bytes actually read
	FileSize int64 // file size reported by stat
	ModTime  time.Time
	Partial  bool // true when the read was capped by MaxBytes
	Attempts int
}

var (
	errDirectory  = errors.New("is a directory")
	errNotRegular = errors.New("not a regular file")
	errUnstable   = errors.New("file changed during read")
)

// Sampler reads files according to its Config. It is safe for concurrent use.
type Sampler struct {
	cfg       Config
	lockCheck func(*os.File) error

	// afterRead runs between the read and the consistency check.
	afterRead func(path string)
}

// New creates a Sampler.
func New(cfg Config) *Sampler {
	return &Sampler{
		cfg:       cfg.withDefaults(),
		lockCheck: security.CheckWriteLock,
	}
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config {
	return s.cfg
}

// Sample reads path and returns its content or a *SampleError.
func (s *Sampler) Sample(ctx context.Context, path string) (*Sample, error) {
	var (
		attempts  int
		failures  int
		resamples int
	)

	for {
		attempts++
		smp, err := s.read(path)
		if err == nil {
			smp.Attempts = attempts
			return smp, nil
		}

		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, &SampleError{Kind: KindNotFound, Path: path, Attempts: attempts, Err: err}

		case errors.Is(err, errDirectory), errors.Is(err, errNotRegular):
			return nil, &SampleError{Kind: KindUnreadable, Path: path, Attempts: attempts, Err: err}

		case errors.Is(err, errUnstable):
			resamples++
			if resamples > s.cfg.Resamples {
				return nil, &SampleError{Kind: KindPartial, Path: path, Attempts: attempts, Err: err}
			}
			if err := ctx.Err(); err != nil {
				return nil, &SampleError{Kind: KindPartial, Path: path, Attempts: attempts, Err: err}
			}
			// Re-read immediately; the writer may already be done.
			continue

		default:
			failures++
			if failures >= s.cfg.Attempts {
				return nil, &SampleError{Kind: KindUnreadable, Path: path, Attempts: attempts, Err: err}
			}
		}

		delay := s.cfg.Backoff << (failures - 1)
		if err := sleep(ctx, delay); err != nil {
			return nil, &SampleError{Kind: KindUnreadable, Path: path, Attempts: attempts, Err: err}
		}
	}
}

// read performs one consistent read of path.
func (s *Sampler) read(path string) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if before.IsDir() {
		return nil, errDirectory
	}
	if !before.Mode().IsRegular() {
		return nil, errNotRegular
	}

	if err := s.lockCheck(f); err != nil {
		return nil, err
	}

	want := before.Size()
	partial := false
	if s.cfg.MaxBytes > 0 && want > s.cfg.MaxBytes {
		want = s.cfg.MaxBytes
		partial = true
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(f, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, errUnstable
		}
		return nil, fmt.Errorf("read: %w", err)
	}

	if s.afterRead != nil {
		s.afterRead(path)
	}

	after, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return nil, errUnstable
	}

	return &Sample{
		Path:     path,
		Bytes:    buf[:n],
		Size:     int64(n),
		FileSize: after.Size(),
		ModTime:  after.ModTime(),
		Partial:  partial,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

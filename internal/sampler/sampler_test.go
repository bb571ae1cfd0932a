package sampler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"entropyguard/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxBytes:  1 << 20,
		Attempts:  3,
		Backoff:   time.Millisecond,
		Resamples: 1,
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestSampleReadsWholeFile(t *testing.T) {
	content := bytes.Repeat([]byte("entropy"), 100)
	path := writeFile(t, t.TempDir(), "doc.txt", content)

	smp, err := New(fastConfig()).Sample(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, path, smp.Path)
	assert.Equal(t, content, smp.Bytes)
	assert.Equal(t, int64(len(content)), smp.Size)
	assert.Equal(t, int64(len(content)), smp.FileSize)
	assert.False(t, smp.Partial)
	assert.Equal(t, 1, smp.Attempts)
}

func TestSampleEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty", nil)

	smp, err := New(fastConfig()).Sample(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, smp.Bytes)
	assert.Zero(t, smp.Size)
}

func TestSampleNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.bin")

	_, err := New(fastConfig()).Sample(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	var se *SampleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Attempts, "missing files are not retried")
	assert.Equal(t, path, se.Path)
}

func TestSampleDirectoryIsUnreadable(t *testing.T) {
	dir := t.TempDir()

	_, err := New(fastConfig()).Sample(context.Background(), dir)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestSampleCapsLargeFiles(t *testing.T) {
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i)
	}
	path := writeFile(t, t.TempDir(), "large.bin", content)

	cfg := fastConfig()
	cfg.MaxBytes = 1000
	smp, err := New(cfg).Sample(context.Background(), path)
	require.NoError(t, err)

	assert.True(t, smp.Partial, "capped samples must be marked partial")
	assert.Equal(t, int64(1000), smp.Size)
	assert.Equal(t, int64(4096), smp.FileSize)
	assert.Equal(t, content[:1000], smp.Bytes)
}

func TestSampleUnlimitedWhenNegativeCap(t *testing.T) {
	content := make([]byte, DefaultMaxBytes/4)
	path := writeFile(t, t.TempDir(), "big.bin", content)

	cfg := fastConfig()
	cfg.MaxBytes = -1
	smp, err := New(cfg).Sample(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, smp.Partial)
	assert.Equal(t, int64(len(content)), smp.Size)
}

func TestSampleResamplesGrowingFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "growing.log", []byte("first"))

	s := New(fastConfig())
	grown := false
	s.afterRead = func(p string) {
		if grown {
			return
		}
		grown = true
		f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.Write([]byte(" second"))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	smp, err := s.Sample(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("first second"), smp.Bytes)
	assert.Equal(t, 2, smp.Attempts)
}

func TestSampleGivesUpOnUnstableFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "churn.dat", []byte("x"))

	s := New(fastConfig())
	s.afterRead = func(p string) {
		f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		f.Write([]byte("y"))
		f.Close()
	}

	_, err := s.Sample(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartial)

	var se *SampleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Attempts, "one read plus one resample")
}

func TestSampleResampleHonoursContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "churn.dat", []byte("x"))

	cfg := fastConfig()
	cfg.Resamples = 1000
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reads := 0
	s.afterRead = func(p string) {
		reads++
		f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		f.Write([]byte("y"))
		f.Close()
		cancel()
	}

	_, err := s.Sample(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrPartial)
	assert.Equal(t, 1, reads, "a cancelled sample must not keep re-reading")
}

func TestSampleRetriesLockedFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "locked.db", []byte("data"))

	s := New(fastConfig())
	calls := 0
	s.lockCheck = func(*os.File) error {
		calls++
		if calls < 3 {
			return security.ErrLocked
		}
		return nil
	}

	smp, err := s.Sample(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, smp.Attempts)
	assert.Equal(t, []byte("data"), smp.Bytes)
}

func TestSampleLockedExhaustsAttempts(t *testing.T) {
	path := writeFile(t, t.TempDir(), "locked.db", []byte("data"))

	s := New(fastConfig())
	s.lockCheck = func(*os.File) error { return security.ErrLocked }

	_, err := s.Sample(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.ErrorIs(t, err, security.ErrLocked)

	var se *SampleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
}

func TestSampleBackoffHonoursContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "locked.db", []byte("data"))

	cfg := fastConfig()
	cfg.Backoff = time.Hour
	s := New(cfg)
	s.lockCheck = func(*os.File) error { return security.ErrLocked }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Sample(ctx, path)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestConfigDefaults(t *testing.T) {
	s := New(Config{})
	cfg := s.Config()
	assert.Equal(t, int64(DefaultMaxBytes), cfg.MaxBytes)
	assert.Equal(t, DefaultAttempts, cfg.Attempts)
	assert.Equal(t, DefaultBackoff, cfg.Backoff)
}

func TestSampleErrorMessage(t *testing.T) {
	err := &SampleError{Kind: KindPartial, Path: "/tmp/x", Attempts: 2, Err: errors.New("boom")}
	assert.Equal(t, "sample /tmp/x: partial after 2 attempt(s): boom", err.Error())
	assert.Equal(t, Kind(0), KindOf(errors.New("other")))
}

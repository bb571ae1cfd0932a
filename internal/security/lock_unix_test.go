//go:build unix

package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestCheckWriteLockDetectsExclusiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.bin")
	if err := os.WriteFile(path, []byte("payload"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	writer, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	if err := unix.Flock(int(writer.Fd()), unix.LOCK_EX); err != nil {
		t.Fatalf("flock: %v", err)
	}

	reader, err := os.Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	if err := CheckWriteLock(reader); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked while writer holds LOCK_EX, got %v", err)
	}

	if err := unix.Flock(int(writer.Fd()), unix.LOCK_UN); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := CheckWriteLock(reader); err != nil {
		t.Errorf("expected no error after release, got %v", err)
	}
}

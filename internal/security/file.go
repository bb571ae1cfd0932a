package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for files containing secrets (owner read/write only)
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing secrets
	PermSecretDir os.FileMode = 0700
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrLocked              = errors.New("security: file is locked by another process")
)

// SecureFileWriter handles atomic file writes with secure permissions.
// The file is written to a temporary file first, then renamed atomically.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for secure atomic file writes.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit atomically moves the temporary file to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecretFile writes data atomically with 0600 permissions.
func WriteSecretFile(path string, data []byte) error {
	writer, err := NewSecureFileWriter(path, PermSecretFile)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// ReadSecureFile reads a file and verifies its permissions are secure.
// It returns an error if the file is readable by group or others.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	return os.ReadFile(path)
}

// LoadOrCreateSecret returns the secret stored at path, generating and
// persisting size random bytes on first use.
func LoadOrCreateSecret(path string, size int) ([]byte, error) {
	data, err := ReadSecureFile(path, int64(size))
	if err == nil {
		if len(data) != size {
			return nil, fmt.Errorf("secret %s: expected %d bytes, got %d", path, size, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	secret := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := WriteSecretFile(path, secret); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// EnsureSecureDir ensures a directory exists with owner-only permissions.
func EnsureSecureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("security: %s is not a directory", path)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}

	return nil
}

// CheckWriteLock reports ErrLocked when another process holds an exclusive
// lock on f. It never blocks and leaves f unlocked.
func CheckWriteLock(f *os.File) error {
	return tryLock(f)
}

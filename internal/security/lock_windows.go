//go:build windows

package security

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// tryLock tries a non-blocking shared LockFileEx on the first byte.
func tryLock(f *os.File) error {
	handle := windows.Handle(f.Fd())
	var overlapped windows.Overlapped

	err := windows.LockFileEx(handle, windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &overlapped)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return ErrLocked
		}
		return err
	}
	return windows.UnlockFileEx(handle, 0, 1, 0, &overlapped)
}

//go:build unix

package security

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLock tries a non-blocking shared flock. A writer holding LOCK_EX makes
// it fail with EWOULDBLOCK.
func tryLock(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return err
	}
	return unix.Flock(fd, unix.LOCK_UN)
}

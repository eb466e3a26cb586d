//go:build unix

package fileguard

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// probeExclusive opens the file read-write and tries a non-blocking
// exclusive flock. The lock is released before returning.
func probeExclusive(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return false, nil
}

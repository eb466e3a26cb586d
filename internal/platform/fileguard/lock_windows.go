//go:build windows

package fileguard

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// probeExclusive opens the file with no sharing. Excel and other editors
// keep their documents open, which surfaces as a sharing violation.
func probeExclusive(path string) (bool, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false, err
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_SHARING_VIOLATION), errors.Is(err, windows.ERROR_LOCK_VIOLATION):
			return true, nil
		case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
			return false, os.ErrNotExist
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return true, nil
		}
		return false, err
	}
	_ = windows.CloseHandle(h)
	return false, nil
}

package archival

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// errDestinationExists is returned when the archive target is already taken
var errDestinationExists = errors.New("archival: destination already exists")

// placeFile moves src to dst without ever replacing dst. A hard link gives an
// atomic no-clobber rename on the same volume; otherwise the bytes are copied
// into a new file, synced, and only then is src removed.
func placeFile(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return errDestinationExists
	default:
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errDestinationExists
		}
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

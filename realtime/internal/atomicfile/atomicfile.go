package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
)

// Write replaces path with data through a temporary file and rename, so a
// reader never observes a partial file.
func Write(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return errors.New("atomicfile path is required")
	}
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}

// Read returns the content of path. A missing file reads as empty.
func Read(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("atomicfile path is required")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

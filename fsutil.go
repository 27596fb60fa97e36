package vaultfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
)

// readFile reads a whole file through the filesystem abstraction. The
// handle is closed before returning, so no descriptor stays open across
// long-running work like KDF execution.
func readFile(fs absfs.FileSystem, path string) ([]byte, error) {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	closeErr := f.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return data, nil
}

// atomicWriteFile writes data to a temporary sibling and renames it over
// the target. The temporary file is removed when any step fails, so no
// half-written file remains.
func atomicWriteFile(fs absfs.FileSystem, path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return err
	}
	return nil
}

// fileExists reports whether path exists on the filesystem
func fileExists(fs absfs.FileSystem, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

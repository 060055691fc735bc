// Package fsutil holds the atomic file writes shared by the stores and the
// stages.
package fsutil

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// EnsureDir creates dir and syncs it and its parent.
func EnsureDir(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := SyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := SyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile replaces path with data (file sync, atomic rename, dir sync).
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	return replace(path, perm, func(tmp *os.File) error {
		_, err := io.Copy(tmp, bytes.NewReader(data))
		return err
	}, func(string) error { return nil }, func() error { return SyncDir(dir) })
}

// CopyFile copies src to dst keeping mode and modification time. dst is
// replaced atomically, so a reader never sees a partial file.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return replace(dst, info.Mode().Perm(), func(tmp *os.File) error {
		_, err := io.Copy(tmp, bufio.NewReader(in))
		return err
	}, func(tmpName string) error {
		return os.Chtimes(tmpName, info.ModTime(), info.ModTime())
	}, func() error { return nil })
}

// replace writes a temp file next to path with fill, then renames it over path.
func replace(path string, perm os.FileMode, fill func(*os.File) error, beforeRename func(string) error, afterRename func() error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := beforeRename(tmpName); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return afterRename()
}

// SyncDir fsyncs a directory so a rename inside it is durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

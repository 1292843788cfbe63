package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// AtomicWriteFile replaces path with data so readers see either the old or
// the new content. The temp file lives next to path so the rename stays on
// one filesystem.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	staged := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(staged)
		}
	}()

	for _, step := range []struct {
		what string
		fn   func() error
	}{
		{"write", func() error { _, werr := f.Write(data); return werr }},
		{"fsync", f.Sync},
		{"chmod", func() error { return f.Chmod(perm) }},
		{"close", f.Close},
	} {
		if err = step.fn(); err != nil {
			return fmt.Errorf("%s %s: %w", step.what, staged, err)
		}
	}
	if err = os.Rename(staged, path); err != nil {
		return fmt.Errorf("move %s into place: %w", path, err)
	}
	return SyncParentDir(dir)
}

// AtomicWriteJSON writes v as indented JSON through AtomicWriteFile.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, append(data, '\n'), 0o644) //nolint:mnd
}

// SyncParentDir persists directory entries created or renamed in dir.
// Filesystems that cannot fsync a directory are tolerated.
func SyncParentDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // bridge-managed path
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	switch err := d.Sync(); {
	case err == nil,
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.ENOTSUP),
		errors.Is(err, syscall.EBADF):
		return nil
	default:
		return fmt.Errorf("fsync %s: %w", dir, err)
	}
}
